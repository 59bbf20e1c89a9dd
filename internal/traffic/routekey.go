package traffic

// RouteKeyBuilder derives the route key from request metadata. The default
// builder must be deterministic and pure; callers may inject their own via
// Config.RouteKeyBuilder.
type RouteKeyBuilder func(meta Metadata) string

// DefaultRouteKey derives "<provider>::<model>" with defaults for missing
// fields.
func DefaultRouteKey(meta Metadata) string {
	provider := meta.Provider
	if provider == "" {
		provider = "unknown-provider"
	}
	model := meta.Model
	if model == "" {
		model = "unknown-model"
	}
	return provider + "::" + model
}
