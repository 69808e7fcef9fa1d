// Package demux splits the cells of a running transport by PID. Section
// streams are reassembled into PSI tables, which in turn install the
// program's elementary streams; media payloads are handed to a [Parser]
// that builds stored packets.
//
// A [Demuxer] is bound to one transport and runs on the event loop.
package demux
