package data

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Records and results are encoded in the protobuf wire format. Field numbers
// must never be reused once a transaction log has been written with them.

// ErrEmptyRecord is returned when encoding a record without a payload
var ErrEmptyRecord = errors.New("record has no payload")

// field is a decoded protobuf field. Only one of v and x is meaningful
// depending on the wire type.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   []byte
	x   uint64
}

func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.x, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendStrings(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// appendMessage always writes the field so empty messages keep their presence
func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendTime(b []byte, num protowire.Number, t time.Time) ([]byte, error) {
	if t.IsZero() {
		return b, nil
	}
	tb, err := proto.Marshal(timestamppb.New(t))
	if err != nil {
		return b, err
	}
	return appendMessage(b, num, tb), nil
}

func decodeTime(v []byte) (time.Time, error) {
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(v, &ts); err != nil {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}

func appendItems(b []byte, num protowire.Number, items []Item) []byte {
	for _, it := range items {
		var ib []byte
		ib = appendString(ib, 1, it.Key)
		ib = appendStrings(ib, 2, it.NestedKey)
		ib = appendString(ib, 16, it.ValueJSON)
		b = appendMessage(b, num, ib)
	}
	return b
}

func decodeItem(v []byte) (Item, error) {
	var it Item
	err := walk(v, func(f field) error {
		switch f.num {
		case 1:
			it.Key = string(f.v)
		case 2:
			it.NestedKey = append(it.NestedKey, string(f.v))
		case 16:
			it.ValueJSON = string(f.v)
		}
		return nil
	})
	return it, err
}

// Record field numbers
const (
	fRecordNum      = 1
	fRecordHistory  = 2
	fRecordSummary  = 3
	fRecordOutput   = 4
	fRecordConfig   = 5
	fRecordFiles    = 6
	fRecordStats    = 7
	fRecordArtifact = 8
	fRecordTBRecord = 9
	fRecordControl  = 16
	fRecordRun      = 17
	fRecordExit     = 18
	fRecordUUID     = 19
	fRecordRequest  = 100
)

// Encode converts a record to its binary wire format
func Encode(r *Record) ([]byte, error) {
	if r.Type() == "" {
		return nil, ErrEmptyRecord
	}

	var b []byte
	var err error

	b = appendInt(b, fRecordNum, r.Num)
	b = appendString(b, fRecordUUID, r.UUID)

	var cb []byte
	cb = appendBool(cb, 1, r.Control.ReqResp)
	cb = appendBool(cb, 2, r.Control.Local)
	if len(cb) > 0 {
		b = appendMessage(b, fRecordControl, cb)
	}

	switch {
	case r.Run != nil:
		var rb []byte
		rb, err = encodeRun(r.Run)
		b = appendMessage(b, fRecordRun, rb)
	case r.History != nil:
		b = appendMessage(b, fRecordHistory, appendItems(nil, 1, r.History.Items))
	case r.Summary != nil:
		var sb []byte
		sb = appendItems(sb, 1, r.Summary.Update)
		sb = appendItems(sb, 2, r.Summary.Remove)
		b = appendMessage(b, fRecordSummary, sb)
	case r.Config != nil:
		b = appendMessage(b, fRecordConfig, encodeConfig(r.Config))
	case r.Files != nil:
		var fb []byte
		for _, fi := range r.Files.Files {
			var ib []byte
			ib = appendString(ib, 1, fi.Path)
			ib = appendInt(ib, 2, int64(fi.Policy))
			fb = appendMessage(fb, 1, ib)
		}
		b = appendMessage(b, fRecordFiles, fb)
	case r.Stats != nil:
		var sb []byte
		sb = appendInt(sb, 1, int64(r.Stats.Type))
		sb, err = appendTime(sb, 2, r.Stats.Timestamp)
		sb = appendItems(sb, 3, r.Stats.Items)
		b = appendMessage(b, fRecordStats, sb)
	case r.Output != nil:
		var ob []byte
		ob = appendInt(ob, 1, int64(r.Output.Type))
		ob, err = appendTime(ob, 2, r.Output.Timestamp)
		ob = appendString(ob, 3, r.Output.Line)
		b = appendMessage(b, fRecordOutput, ob)
	case r.Exit != nil:
		b = appendMessage(b, fRecordExit, appendInt(nil, 1, int64(r.Exit.ExitCode)))
	case r.Artifact != nil:
		b = appendMessage(b, fRecordArtifact, encodeArtifact(r.Artifact))
	case r.TBRecord != nil:
		var tb []byte
		tb = appendString(tb, 1, r.TBRecord.LogDir)
		tb = appendBool(tb, 2, r.TBRecord.Save)
		b = appendMessage(b, fRecordTBRecord, tb)
	case r.Request != nil:
		b = appendMessage(b, fRecordRequest, encodeRequest(r.Request))
	}

	if err != nil {
		return nil, fmt.Errorf("encoding %v record: %w", r.Type(), err)
	}

	return b, nil
}

func encodeConfig(c *ConfigRecord) []byte {
	var b []byte
	b = appendItems(b, 1, c.Update)
	b = appendItems(b, 2, c.Remove)
	return b
}

func encodeRun(r *RunRecord) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, r.RunID)
	b = appendString(b, 2, r.Entity)
	b = appendString(b, 3, r.Project)
	if r.Config != nil {
		b = appendMessage(b, 4, encodeConfig(r.Config))
	}
	b = appendString(b, 6, r.RunGroup)
	b = appendString(b, 7, r.JobType)
	b = appendString(b, 8, r.DisplayName)
	b = appendString(b, 9, r.Notes)
	b = appendStrings(b, 10, r.Tags)
	b = appendString(b, 12, r.SweepID)
	b = appendString(b, 13, r.Host)
	b, err := appendTime(b, 14, r.StartTime)
	b = appendInt(b, 15, r.StartingStep)
	b = appendString(b, 16, r.StorageID)
	return b, err
}

func encodeArtifact(a *ArtifactRecord) []byte {
	var b []byte
	b = appendString(b, 1, a.RunID)
	b = appendString(b, 2, a.Project)
	b = appendString(b, 3, a.Entity)
	b = appendString(b, 4, a.Type)
	b = appendString(b, 5, a.Name)
	b = appendString(b, 6, a.Digest)
	b = appendString(b, 7, a.Description)
	b = appendString(b, 8, a.Metadata)
	b = appendBool(b, 9, a.UserCreated)
	b = appendBool(b, 10, a.UseAfterCommit)
	b = appendStrings(b, 11, a.Aliases)

	var mb []byte
	mb = appendInt(mb, 1, int64(a.Manifest.Version))
	mb = appendString(mb, 2, a.Manifest.StoragePolicy)
	mb = appendItems(mb, 3, a.Manifest.StoragePolicyConfig)
	for _, e := range a.Manifest.Contents {
		var eb []byte
		eb = appendString(eb, 1, e.Path)
		eb = appendString(eb, 2, e.Digest)
		eb = appendString(eb, 3, e.Ref)
		eb = appendInt(eb, 4, e.Size)
		eb = appendString(eb, 6, e.LocalPath)
		eb = appendItems(eb, 16, e.Extra)
		mb = appendMessage(mb, 4, eb)
	}
	return appendMessage(b, 12, mb)
}

func encodeRequest(r *Request) []byte {
	var b []byte
	switch {
	case r.Login != nil:
		var lb []byte
		lb = appendString(lb, 1, r.Login.APIKey)
		lb = appendString(lb, 2, r.Login.Anonymous)
		b = appendMessage(b, 1, lb)
	case r.Defer != nil:
		b = appendMessage(b, 2, nil)
	case r.GetSummary != nil:
		b = appendMessage(b, 3, nil)
	case r.Pause != nil:
		b = appendMessage(b, 4, nil)
	case r.Resume != nil:
		b = appendMessage(b, 5, nil)
	case r.Status != nil:
		b = appendMessage(b, 6, appendBool(nil, 1, r.Status.CheckStopReq))
	case r.PollExit != nil:
		b = appendMessage(b, 7, nil)
	}
	return b
}

// Decode converts the binary wire format back to a record
func Decode(b []byte) (*Record, error) {
	r := &Record{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case fRecordNum:
			r.Num = int64(f.x)
		case fRecordUUID:
			r.UUID = string(f.v)
		case fRecordControl:
			err = walk(f.v, func(cf field) error {
				switch cf.num {
				case 1:
					r.Control.ReqResp = cf.x != 0
				case 2:
					r.Control.Local = cf.x != 0
				}
				return nil
			})
		case fRecordRun:
			r.Run, err = decodeRun(f.v)
		case fRecordHistory:
			r.History = &HistoryRecord{}
			err = walk(f.v, func(hf field) error {
				if hf.num != 1 {
					return nil
				}
				it, err := decodeItem(hf.v)
				r.History.Items = append(r.History.Items, it)
				return err
			})
		case fRecordSummary:
			r.Summary = &SummaryRecord{}
			r.Summary.Update, r.Summary.Remove, err = decodeUpdateRemove(f.v)
		case fRecordConfig:
			r.Config, err = decodeConfig(f.v)
		case fRecordFiles:
			r.Files, err = decodeFiles(f.v)
		case fRecordStats:
			r.Stats = &StatsRecord{}
			err = walk(f.v, func(sf field) error {
				var err error
				switch sf.num {
				case 1:
					r.Stats.Type = StatsType(sf.x)
				case 2:
					r.Stats.Timestamp, err = decodeTime(sf.v)
				case 3:
					var it Item
					it, err = decodeItem(sf.v)
					r.Stats.Items = append(r.Stats.Items, it)
				}
				return err
			})
		case fRecordOutput:
			r.Output = &OutputRecord{}
			err = walk(f.v, func(of field) error {
				var err error
				switch of.num {
				case 1:
					r.Output.Type = OutputType(of.x)
				case 2:
					r.Output.Timestamp, err = decodeTime(of.v)
				case 3:
					r.Output.Line = string(of.v)
				}
				return err
			})
		case fRecordExit:
			r.Exit = &RunExitRecord{}
			err = walk(f.v, func(ef field) error {
				if ef.num == 1 {
					r.Exit.ExitCode = int32(int64(ef.x))
				}
				return nil
			})
		case fRecordArtifact:
			r.Artifact, err = decodeArtifact(f.v)
		case fRecordTBRecord:
			r.TBRecord = &TBRecord{}
			err = walk(f.v, func(tf field) error {
				switch tf.num {
				case 1:
					r.TBRecord.LogDir = string(tf.v)
				case 2:
					r.TBRecord.Save = tf.x != 0
				}
				return nil
			})
		case fRecordRequest:
			r.Request, err = decodeRequest(f.v)
		}
		return err
	})

	if err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}

	return r, nil
}

func decodeUpdateRemove(b []byte) (update, remove []Item, err error) {
	err = walk(b, func(f field) error {
		it, err := decodeItem(f.v)
		switch f.num {
		case 1:
			update = append(update, it)
		case 2:
			remove = append(remove, it)
		}
		return err
	})
	return
}

func decodeConfig(b []byte) (*ConfigRecord, error) {
	c := &ConfigRecord{}
	var err error
	c.Update, c.Remove, err = decodeUpdateRemove(b)
	return c, err
}

func decodeFiles(b []byte) (*FilesRecord, error) {
	fr := &FilesRecord{}
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var fi FileItem
		err := walk(f.v, func(ff field) error {
			switch ff.num {
			case 1:
				fi.Path = string(ff.v)
			case 2:
				fi.Policy = FilePolicy(ff.x)
			}
			return nil
		})
		fr.Files = append(fr.Files, fi)
		return err
	})
	return fr, err
}

func decodeRun(b []byte) (*RunRecord, error) {
	r := &RunRecord{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			r.RunID = string(f.v)
		case 2:
			r.Entity = string(f.v)
		case 3:
			r.Project = string(f.v)
		case 4:
			r.Config, err = decodeConfig(f.v)
		case 6:
			r.RunGroup = string(f.v)
		case 7:
			r.JobType = string(f.v)
		case 8:
			r.DisplayName = string(f.v)
		case 9:
			r.Notes = string(f.v)
		case 10:
			r.Tags = append(r.Tags, string(f.v))
		case 12:
			r.SweepID = string(f.v)
		case 13:
			r.Host = string(f.v)
		case 14:
			r.StartTime, err = decodeTime(f.v)
		case 15:
			r.StartingStep = int64(f.x)
		case 16:
			r.StorageID = string(f.v)
		}
		return err
	})
	return r, err
}

func decodeArtifact(b []byte) (*ArtifactRecord, error) {
	a := &ArtifactRecord{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			a.RunID = string(f.v)
		case 2:
			a.Project = string(f.v)
		case 3:
			a.Entity = string(f.v)
		case 4:
			a.Type = string(f.v)
		case 5:
			a.Name = string(f.v)
		case 6:
			a.Digest = string(f.v)
		case 7:
			a.Description = string(f.v)
		case 8:
			a.Metadata = string(f.v)
		case 9:
			a.UserCreated = f.x != 0
		case 10:
			a.UseAfterCommit = f.x != 0
		case 11:
			a.Aliases = append(a.Aliases, string(f.v))
		case 12:
			return walk(f.v, func(mf field) error {
				switch mf.num {
				case 1:
					a.Manifest.Version = int32(mf.x)
				case 2:
					a.Manifest.StoragePolicy = string(mf.v)
				case 3:
					it, err := decodeItem(mf.v)
					a.Manifest.StoragePolicyConfig = append(a.Manifest.StoragePolicyConfig, it)
					return err
				case 4:
					e, err := decodeManifestEntry(mf.v)
					a.Manifest.Contents = append(a.Manifest.Contents, e)
					return err
				}
				return nil
			})
		}
		return nil
	})
	return a, err
}

func decodeManifestEntry(b []byte) (ManifestEntry, error) {
	var e ManifestEntry
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			e.Path = string(f.v)
		case 2:
			e.Digest = string(f.v)
		case 3:
			e.Ref = string(f.v)
		case 4:
			e.Size = int64(f.x)
		case 6:
			e.LocalPath = string(f.v)
		case 16:
			it, err := decodeItem(f.v)
			e.Extra = append(e.Extra, it)
			return err
		}
		return nil
	})
	return e, err
}

func decodeRequest(b []byte) (*Request, error) {
	r := &Request{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			r.Login = &LoginRequest{}
			return walk(f.v, func(lf field) error {
				switch lf.num {
				case 1:
					r.Login.APIKey = string(lf.v)
				case 2:
					r.Login.Anonymous = string(lf.v)
				}
				return nil
			})
		case 2:
			r.Defer = &DeferRequest{}
		case 3:
			r.GetSummary = &GetSummaryRequest{}
		case 4:
			r.Pause = &PauseRequest{}
		case 5:
			r.Resume = &ResumeRequest{}
		case 6:
			r.Status = &StatusRequest{}
			return walk(f.v, func(sf field) error {
				if sf.num == 1 {
					r.Status.CheckStopReq = sf.x != 0
				}
				return nil
			})
		case 7:
			r.PollExit = &PollExitRequest{}
		}
		return nil
	})
	return r, err
}

// EncodeResult converts a result to its binary wire format
func EncodeResult(res *Result) ([]byte, error) {
	var b []byte
	var err error

	b = appendString(b, 20, res.UUID)

	if res.RunResult != nil {
		var rb []byte
		if res.RunResult.Run != nil {
			var runb []byte
			runb, err = encodeRun(res.RunResult.Run)
			if err != nil {
				return nil, fmt.Errorf("encoding run result: %w", err)
			}
			rb = appendMessage(rb, 1, runb)
		}
		if res.RunResult.Error != nil {
			rb = appendMessage(rb, 2, encodeErrorInfo(res.RunResult.Error))
		}
		b = appendMessage(b, 17, rb)
	}

	if res.ExitResult != nil {
		b = appendMessage(b, 18, nil)
	}

	if res.Response != nil {
		b = appendMessage(b, 100, encodeResponse(res.Response))
	}

	return b, nil
}

func encodeErrorInfo(e *ErrorInfo) []byte {
	var b []byte
	b = appendString(b, 1, e.Message)
	b = appendInt(b, 2, int64(e.Code))
	return b
}

func encodeResponse(r *Response) []byte {
	var b []byte
	switch {
	case r.Login != nil:
		b = appendMessage(b, 1, appendString(nil, 1, r.Login.ActiveEntity))
	case r.GetSummary != nil:
		b = appendMessage(b, 2, appendItems(nil, 1, r.GetSummary.Items))
	case r.Status != nil:
		b = appendMessage(b, 3, appendBool(nil, 1, r.Status.RunShouldStop))
	case r.PollExit != nil:
		pe := r.PollExit
		var pb []byte
		if pe.ExitResult != nil {
			pb = appendMessage(pb, 1, nil)
		}
		pb = appendBool(pb, 2, pe.Done)

		var sb []byte
		sb = appendInt(sb, 1, pe.PusherStats.UploadedBytes)
		sb = appendInt(sb, 2, pe.PusherStats.TotalBytes)
		sb = appendInt(sb, 3, pe.PusherStats.DedupedBytes)
		pb = appendMessage(pb, 3, sb)

		var cb []byte
		cb = appendInt(cb, 1, int64(pe.FileCounts.WandbCount))
		cb = appendInt(cb, 2, int64(pe.FileCounts.MediaCount))
		cb = appendInt(cb, 3, int64(pe.FileCounts.ArtifactCount))
		cb = appendInt(cb, 4, int64(pe.FileCounts.OtherCount))
		pb = appendMessage(pb, 4, cb)

		b = appendMessage(b, 4, pb)
	}
	return b
}

// DecodeResult converts the binary wire format back to a result
func DecodeResult(b []byte) (*Result, error) {
	res := &Result{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 20:
			res.UUID = string(f.v)
		case 17:
			res.RunResult = &RunUpdateResult{}
			return walk(f.v, func(rf field) error {
				var err error
				switch rf.num {
				case 1:
					res.RunResult.Run, err = decodeRun(rf.v)
				case 2:
					res.RunResult.Error = &ErrorInfo{}
					err = walk(rf.v, func(ef field) error {
						switch ef.num {
						case 1:
							res.RunResult.Error.Message = string(ef.v)
						case 2:
							res.RunResult.Error.Code = ErrorCode(ef.x)
						}
						return nil
					})
				}
				return err
			})
		case 18:
			res.ExitResult = &RunExitResult{}
		case 100:
			res.Response = &Response{}
			return decodeResponse(f.v, res.Response)
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}

	return res, nil
}

func decodeResponse(b []byte, r *Response) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			r.Login = &LoginResponse{}
			return walk(f.v, func(lf field) error {
				if lf.num == 1 {
					r.Login.ActiveEntity = string(lf.v)
				}
				return nil
			})
		case 2:
			r.GetSummary = &GetSummaryResponse{}
			return walk(f.v, func(sf field) error {
				if sf.num != 1 {
					return nil
				}
				it, err := decodeItem(sf.v)
				r.GetSummary.Items = append(r.GetSummary.Items, it)
				return err
			})
		case 3:
			r.Status = &StatusResponse{}
			return walk(f.v, func(sf field) error {
				if sf.num == 1 {
					r.Status.RunShouldStop = sf.x != 0
				}
				return nil
			})
		case 4:
			r.PollExit = &PollExitResponse{}
			pe := r.PollExit
			return walk(f.v, func(pf field) error {
				switch pf.num {
				case 1:
					pe.ExitResult = &RunExitResult{}
				case 2:
					pe.Done = pf.x != 0
				case 3:
					return walk(pf.v, func(sf field) error {
						switch sf.num {
						case 1:
							pe.PusherStats.UploadedBytes = int64(sf.x)
						case 2:
							pe.PusherStats.TotalBytes = int64(sf.x)
						case 3:
							pe.PusherStats.DedupedBytes = int64(sf.x)
						}
						return nil
					})
				case 4:
					return walk(pf.v, func(cf field) error {
						switch cf.num {
						case 1:
							pe.FileCounts.WandbCount = int32(cf.x)
						case 2:
							pe.FileCounts.MediaCount = int32(cf.x)
						case 3:
							pe.FileCounts.ArtifactCount = int32(cf.x)
						case 4:
							pe.FileCounts.OtherCount = int32(cf.x)
						}
						return nil
					})
				}
				return nil
			})
		}
		return nil
	})
}
