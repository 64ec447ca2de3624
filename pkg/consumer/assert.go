package consumer

import "fmt"

// assertf reports a broken correlation invariant. Debug builds panic; release builds log and
// carry on, leaving the caller to treat the operation as a no-op.
func (c *Consumer) assertf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if debugAssertions {
		panic(msg)
	}
	if c.logger != nil {
		c.logger.Error(nil, "invariant violated", "detail", msg)
	}
}
