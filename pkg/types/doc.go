// Package types contains the shared data model for codegrep: chunk rows,
// query requests and responses, the IPC wire envelope, and the stable error
// codes exposed to clients.
//
// Types here are shared between the daemon, the CLI front end, and the MCP
// front end, so they must remain backward compatible within a schema version.
package types
