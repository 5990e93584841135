// Package websocket is the gorilla/websocket transport for sensor streams.
//
// Conn implements domain.Connection with a bounded outbound queue drained by
// one writer goroutine per socket. Hub runs the read side: it sends the
// connection ack, registers the socket with the subscription registry,
// answers ping and subscribe frames and deregisters on disconnect.
package websocket
