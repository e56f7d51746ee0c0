/*
Package relay moves one tunneled connection across the shared directory.

Each session runs two relays over the same net.Conn:

	conn --> Outbound --> {write dir}/{token}.{seq}.dat   (peer reads)
	conn <-- Inbound  <-- {read dir}/{token}.{seq}.dat    (peer writes)

The relays only share a CloseFlag. Inbound closes the connection when its
direction ends; Outbound then fails its next read, sees the flag and treats
the failure as an expected closure.
*/
package relay
