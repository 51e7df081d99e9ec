// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/plans/:id/ws; they receive the run snapshot
// followed by every event of that run until it finishes.
package websocket
