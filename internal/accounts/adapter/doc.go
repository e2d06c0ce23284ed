// Package adapter contains implementations of the interfaces defined in app:
// verification stores (memory, Redis, DynamoDB), credential stores (memory,
// DynamoDB), cooldown limiters, delivery gateways, notifiers and the AWS
// secret loader.
package adapter

import "github.com/aelexs/wacrm/internal/observability"

var tracer = observability.Tracer("accounts/adapter")
