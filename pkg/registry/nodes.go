package registry

import (
	"github.com/dukex/autoflow/pkg/nodes/delay"
	"github.com/dukex/autoflow/pkg/nodes/httprequest"
	"github.com/dukex/autoflow/pkg/nodes/log"
	"github.com/dukex/autoflow/pkg/nodes/transform"
)

// RegisterDefaultNodes registers all built-in node factories with the registry.
func (r *Registry) RegisterDefaultNodes() {
	r.RegisterNode(log.NewLogNodeFactory())
	r.RegisterNode(transform.NewTransformNodeFactory())
	r.RegisterNode(httprequest.NewHTTPRequestNodeFactory())
	r.RegisterNode(delay.NewFactory())
}
