// Package auth guards both transports with a single shared credential. HTTP
// callers may present it as a Bearer header or a token query parameter;
// WebSocket handshakes must carry it in the query string.
package auth
