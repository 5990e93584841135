// Package subscription tracks which live connections want which sensors.
//
// A connection is either Direct (bound to one sensor) or Global (a mutable set of
// sensors). The Registry is safe for concurrent use: the broadcast scheduler reads
// and delivers while transport callbacks connect, resubscribe, and disconnect.
// Connections whose send fails are pruned after every delivery round.
package subscription
