// Package chatstream turns an incrementally streamed chat completion into
// whole lines.
//
// A Backend opens a streamed completion and yields text deltas. The
// Aggregator buffers deltas, cuts them into lines as newlines arrive and
// dispatches each line independently. When the stream completes the
// leftover text is dispatched once; when it fails a fixed fallback line is
// dispatched instead.
package chatstream
