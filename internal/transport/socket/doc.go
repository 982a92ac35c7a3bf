// Package socket carries the remote protocol over a persistent Unix socket.
// Each frame is one self-delimiting CBOR map; requests and responses are
// paired by id and pushes flow from the server without a request.
package socket
