/*
Package segment implements the file naming and atomic write contract that
carries one direction of a tunneled TCP stream through a shared directory.

A stream is cut into segment files named

	{token}.{seq}.dat

where token is the 32 character session token and seq counts up from 0
without gaps. A segment only becomes visible through a rename from

	{token}.{seq}.dat.tmp

so a reader that finds the final name always sees complete content. A
zero-length segment is the EOF sentinel and is the last one written for its
direction.
*/
package segment
