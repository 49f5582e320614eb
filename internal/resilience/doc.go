// Package resilience provides reliability and fault tolerance patterns for the application.
// It includes implementations of circuit breakers, retry logic, and a shared error taxonomy
// to ensure system resilience in the face of failures.
//
// The package supports:
//   - Circuit breakers isolating failing operation classes
//   - Retry logic with exponential backoff and jitter
//   - A closed error taxonomy (fault) driving retry and breaker decisions
//
// Usage Example:
//
//	b := circuitbreaker.New(circuitbreaker.DefaultConfig("fetch-page"), logger)
//	m := retry.NewManager("fetch-page", retry.DefaultPolicy(), b, recorder, logger)
//	result, err := m.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//	    return fetchPage(ctx)
//	})
package resilience
