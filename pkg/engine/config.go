package engine

import "github.com/rhuss/promptrun/pkg/api"

// Config holds engine settings.
type Config struct {
	// AllowUnsafe permits requests to enable the unsafe package. When
	// false, a request's allow_unsafe flag is ignored.
	AllowUnsafe bool

	// Validation bounds prompt and source sizes.
	Validation api.ValidationConfig
}

func (c Config) allowUnsafe(requested bool) bool {
	return c.AllowUnsafe && requested
}
