package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to wait out a producer goroutine whose remaining output is no longer
// needed (e.g. the event channel of a cancelled recognition connection).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
