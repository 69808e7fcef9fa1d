package demux

import (
	"bytes"
	"slices"

	"github.com/zsiec/tunerd/internal/mpegts"
	"github.com/zsiec/tunerd/internal/stream"
)

func (d *Demuxer) onPAT(s *stream.Stream, section []byte) {
	if section[0] != mpegts.TableIDPAT {
		return
	}
	pat, err := mpegts.ParsePAT(section)
	if err != nil {
		d.sectionError(s, err)
		return
	}

	pid := mpegts.PIDNull
	for _, p := range pat.Programs {
		if d.program == 0 || p.Number == d.program {
			pid = p.PMTPID
			break
		}
	}
	if pid == mpegts.PIDNull {
		d.log.Debug("program not in PAT", "program", d.program, "programs", len(pat.Programs))
		return
	}
	if pid == d.pmtPID {
		return
	}

	if old := d.t.Streams.Remove(d.pmtPID); old != nil {
		d.log.Info("PMT moved", "from", d.pmtPID, "to", pid)
	}
	d.pmtPID = pid
	d.lastPMT = nil
	pmt, _ := d.t.Streams.Add(pid, stream.KindPMT)
	pmt.OnSection = d.onPMT
	d.log.Debug("PMT installed", "pid", pid, "ts_id", pat.TransportStreamID)
}

func (d *Demuxer) onPMT(s *stream.Stream, section []byte) {
	if section[0] != mpegts.TableIDPMT {
		return
	}
	if bytes.Equal(section, d.lastPMT) {
		return
	}
	pmt, err := mpegts.ParsePMT(section)
	if err != nil {
		d.sectionError(s, err)
		return
	}
	if d.program != 0 && pmt.ProgramNumber != d.program {
		return
	}
	d.lastPMT = slices.Clone(section)

	reg := d.t.Streams
	reg.PCRPID = pmt.PCRPID
	programCA := stream.CAIDs(pmt.Descriptors)

	keep := make(map[uint16]bool, len(pmt.Streams))
	for _, es := range pmt.Streams {
		kind := stream.Classify(es)
		if kind == stream.KindUnknown || kind.IsSection() {
			d.log.Debug("ignoring elementary stream", "pid", es.PID, "stream_type", es.StreamType)
			continue
		}
		if cur := reg.Get(es.PID); cur != nil && cur.Kind != kind {
			d.drop(cur)
		}
		st, created := reg.Add(es.PID, kind)
		st.Language = stream.Language(es)
		st.CAIDs = append(slices.Clone(programCA), stream.CAIDs(es.Descriptors)...)
		st.Descriptors = slices.DeleteFunc(slices.Clone(es.Descriptors), func(d mpegts.Descriptor) bool {
			return d.Tag == mpegts.DescCA
		})
		keep[es.PID] = true
		if created {
			d.log.Info("stream found", "pid", es.PID, "kind", kind, "language", st.Language)
		}
	}

	for _, st := range reg.Media() {
		if !keep[st.PID] {
			d.log.Info("stream gone", "pid", st.PID, "kind", st.Kind)
			d.drop(st)
		}
	}
	d.log.Debug("PMT applied", "program", pmt.ProgramNumber, "version", pmt.Version,
		"pcr_pid", pmt.PCRPID, "streams", len(reg.Media()))
}

func (d *Demuxer) drop(s *stream.Stream) {
	d.t.Store().FlushQueue(s.Queue)
	d.t.Streams.Remove(s.PID)
}
