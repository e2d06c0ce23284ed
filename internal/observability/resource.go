package observability

import (
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ServiceNamespace groups the wacrm services in telemetry backends.
const ServiceNamespace = "wacrm"

// ModulePath prefixes every instrumentation scope name.
const ModulePath = "github.com/aelexs/wacrm"

// Version is the build version reported as service.version and as the
// instrumentation scope version. Release builds set it with
// -ldflags "-X github.com/aelexs/wacrm/internal/observability.Version=...".
var Version = "dev"

// instanceID distinguishes replicas of the same service.
var instanceID = uuid.NewString()

// Service identifies the running process in exported telemetry.
type Service struct {
	Name        string // e.g. "accounts"
	Version     string // defaults to Version
	Environment string
}

// Resource describes the service to the exporters. It carries only
// service attributes so the schema URL never conflicts with resource.Default().
func (s Service) Resource() *resource.Resource {
	version := s.Version
	if version == "" {
		version = Version
	}
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNamespace(ServiceNamespace),
		semconv.ServiceName(s.Name),
		semconv.ServiceVersion(version),
		semconv.ServiceInstanceID(instanceID),
		semconv.DeploymentEnvironment(s.Environment),
	)
}

// ScopeName maps a package path relative to internal/, such as
// "accounts/app", to its full instrumentation scope name.
func ScopeName(pkg string) string {
	if strings.HasPrefix(pkg, ModulePath) {
		return pkg
	}
	return ModulePath + "/internal/" + strings.TrimPrefix(pkg, "/")
}
