package state

import (
	"sort"
	"sync/atomic"

	"github.com/zhangjyr/hashmap"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/commitlog"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

var (
	log logger.ILogger = &logger.ColorLogger{Prefix: "State ", Level: logger.LOG_LEVEL_INFO}
)

// MachineState Everything recovery rebuilds and the router, links and checkpoints then share.
type MachineState struct {
	Log  *commitlog.CommitLog
	Role types.AtomicRole

	// OnNewOutput Called once for every destination created after it is set.
	OnNewOutput func(*types.OutputRecord)

	inputs                  *hashmap.HashMap
	outputs                 *hashmap.HashMap
	version                 int64
	lastCommittedCheckpoint int64
	lastLogFile             int64
	replaying               int32
}

func New(log *commitlog.CommitLog, version int64) *MachineState {
	return &MachineState{
		Log:     log,
		inputs:  hashmap.New(64),
		outputs: hashmap.New(64),
		version: version,
	}
}

// Input Watermarks of source name, created on first contact.
func (s *MachineState) Input(name string) *types.InputRecord {
	if rec, ok := s.inputs.Get(name); ok {
		return rec.(*types.InputRecord)
	}
	rec, _ := s.inputs.GetOrInsert(name, types.NewInputRecord(name))
	return rec.(*types.InputRecord)
}

// Output Record of destination name, created on first use.
// Destinations first seen while replaying are renumbered on their next handshake.
func (s *MachineState) Output(name string) *types.OutputRecord {
	if rec, ok := s.outputs.Get(name); ok {
		return rec.(*types.OutputRecord)
	}

	created := types.NewOutputRecord(name)
	if s.IsReplaying() {
		created.StartReset()
	}
	rec, loaded := s.outputs.GetOrInsert(name, created)
	if loaded {
		created.Buffer.Close()
		return rec.(*types.OutputRecord)
	}
	log.Debug("New destination \"%s\"", name)
	if s.OnNewOutput != nil {
		s.OnNewOutput(created)
	}
	return created
}

// LookupOutput Record of destination name, if any.
func (s *MachineState) LookupOutput(name string) (*types.OutputRecord, bool) {
	rec, ok := s.outputs.Get(name)
	if !ok {
		return nil, false
	}
	return rec.(*types.OutputRecord), true
}

// AddOutput Insert a record loaded from a checkpoint.
func (s *MachineState) AddOutput(rec *types.OutputRecord) {
	s.outputs.Set(rec.Name, rec)
}

// Inputs Input records ordered by name.
func (s *MachineState) Inputs() []*types.InputRecord {
	recs := make([]*types.InputRecord, 0, s.inputs.Len())
	for kv := range s.inputs.Iter() {
		recs = append(recs, kv.Value.(*types.InputRecord))
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Name < recs[j].Name
	})
	return recs
}

// Outputs Output records ordered by name.
func (s *MachineState) Outputs() []*types.OutputRecord {
	recs := make([]*types.OutputRecord, 0, s.outputs.Len())
	for kv := range s.outputs.Iter() {
		recs = append(recs, kv.Value.(*types.OutputRecord))
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Name < recs[j].Name
	})
	return recs
}

func (s *MachineState) SetReplaying(replaying bool) {
	if replaying {
		atomic.StoreInt32(&s.replaying, 1)
	} else {
		atomic.StoreInt32(&s.replaying, 0)
	}
}

func (s *MachineState) IsReplaying() bool {
	return atomic.LoadInt32(&s.replaying) == 1
}

func (s *MachineState) Version() int64 {
	return atomic.LoadInt64(&s.version)
}

func (s *MachineState) SetVersion(version int64) {
	atomic.StoreInt64(&s.version, version)
}

// LastCommittedCheckpoint Number of the checkpoint the state was loaded from or last wrote.
func (s *MachineState) LastCommittedCheckpoint() int64 {
	return atomic.LoadInt64(&s.lastCommittedCheckpoint)
}

func (s *MachineState) SetLastCommittedCheckpoint(n int64) {
	atomic.StoreInt64(&s.lastCommittedCheckpoint, n)
}

// LastLogFile Number of the log segment being replayed or written.
func (s *MachineState) LastLogFile() int64 {
	return atomic.LoadInt64(&s.lastLogFile)
}

func (s *MachineState) SetLastLogFile(n int64) {
	atomic.StoreInt64(&s.lastLogFile, n)
}

// Close Release every buffer.
func (s *MachineState) Close() {
	for _, rec := range s.Outputs() {
		rec.Buffer.Close()
	}
}
