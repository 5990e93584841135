// Package broadcast runs the tick loop that turns subscriptions into frames.
//
// Each tick the Scheduler collects every sensor referenced by the registry,
// asks the ActivityOracle which of them are active, lets the waveform
// Generator synthesize one batch per active sensor and hands the registry one
// frame per connection: a "data" frame per direct subscriber and a single
// "batch_data" frame per global subscriber. Tick failures switch the loop
// into a bounded exponential backoff instead of stopping it.
package broadcast
