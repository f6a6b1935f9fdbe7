// Package session drives one synchronization exchange between two peers
// over a transport conn. Both peers run the identical state machine;
// there is no client or server role. Reconciliation is computed
// independently on each side from the same pair of change sets, so both
// arrive at the same plan without a coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fync/internal/apply"
	"fync/internal/diff"
	"fync/internal/merge"
	"fync/internal/proto"
	"fync/internal/snapshot"
	"fync/internal/transport"
)

type State uint8

const (
	StateInit State = iota
	StateHelloExchanged
	StateSnapshotsExchanged
	StateChangesReconciled
	StateTransferring
	StateCommitting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHelloExchanged:
		return "hello-exchanged"
	case StateSnapshotsExchanged:
		return "snapshots-exchanged"
	case StateChangesReconciled:
		return "changes-reconciled"
	case StateTransferring:
		return "transferring"
	case StateCommitting:
		return "committing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configure one peer of a session.
type Options struct {
	Root  string
	Store *snapshot.Store
	// ReadOnly peers send their changes but never apply incoming ones.
	ReadOnly bool
	Workers  int
	Log      *zap.Logger
	// Progress is invoked per hashed file during the scan.
	Progress func(path string)
}

// Result reports what one peer did during a session.
type Result struct {
	State         State
	Generation    uint64
	LocalChanges  int
	RemoteChanges int
	FilesSent     int
	FilesReceived int
	BytesSent     int64
	BytesReceived int64
	Conflicts     []merge.Conflict
	ScanErrors    []error
	ApplyErrors   []error
}

type session struct {
	conn transport.Conn
	opts Options
	log  *zap.Logger

	id           string
	state        State
	peerReadOnly bool
	absRoot      string
}

// Run executes the session on conn until Done or failure. On a fatal
// error the peer is told via an ErrorMsg when the conn still works, the
// persisted state is left untouched and staged files are discarded, so
// the next run retries from the same ancestor.
func Run(ctx context.Context, conn transport.Conn, opts Options) (*Result, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &session{
		conn: conn,
		opts: opts,
		log:  log,
		id:   uuid.NewString(),
	}

	// Cancellation unblocks any pending receive
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	res, err := s.run(ctx)
	if res == nil {
		res = &Result{}
	}
	if err != nil {
		s.setState(StateFailed)
		s.sendErrorBestEffort(err)
	}
	res.State = s.state
	return res, err
}

func (s *session) setState(next State) {
	s.log.Debug("session state",
		zap.String("session", s.id),
		zap.Stringer("from", s.state),
		zap.Stringer("to", next))
	s.state = next
}

func (s *session) send(m proto.Message) error {
	frame, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return s.conn.Send(frame)
}

func (s *session) recv() (proto.Message, error) {
	frame, err := s.conn.Receive()
	if err != nil {
		return nil, err
	}
	m, err := proto.Decode(frame)
	if err != nil {
		return nil, err
	}
	if em, ok := m.(*proto.ErrorMsg); ok {
		return nil, fmt.Errorf("peer failed: %s: %s", em.Kind, em.Detail)
	}
	return m, nil
}

func (s *session) sendErrorBestEffort(err error) {
	msg := proto.ErrorMsg{Kind: errorKind(err), Detail: err.Error()}
	if sendErr := s.send(msg); sendErr != nil {
		s.log.Debug("could not notify peer of failure", zap.Error(sendErr))
	}
}

func errorKind(err error) string {
	var perr *proto.ProtocolError
	var terr *transport.Error
	switch {
	case errors.As(err, &perr):
		return "protocol"
	case errors.As(err, &terr):
		return "transport"
	case errors.Is(err, snapshot.ErrSyncInProgress):
		return "busy"
	default:
		return "internal"
	}
}

// exchange sends the outgoing messages while concurrently receiving the
// expected count, so two peers sending at once never deadlock on a full
// stream buffer.
func (s *session) exchange(ctx context.Context, outgoing []proto.Message, want int) ([]proto.Message, error) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, m := range outgoing {
			if err := s.send(m); err != nil {
				return err
			}
		}
		return nil
	})

	incoming := make([]proto.Message, 0, want)
	var recvErr error
	for i := 0; i < want; i++ {
		m, err := s.recv()
		if err != nil {
			recvErr = err
			break
		}
		incoming = append(incoming, m)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if recvErr != nil {
		return nil, recvErr
	}
	return incoming, nil
}

func (s *session) run(ctx context.Context) (*Result, error) {
	res := &Result{}

	release, err := s.opts.Store.Lock(s.opts.Root)
	if err != nil {
		return res, err
	}
	defer release()

	// Init -> HelloExchanged
	in, err := s.exchange(ctx, []proto.Message{proto.Hello{
		Version:   proto.Version,
		SessionID: s.id,
		ReadOnly:  s.opts.ReadOnly,
	}}, 1)
	if err != nil {
		return res, err
	}
	hello, ok := in[0].(*proto.Hello)
	if !ok {
		return res, &proto.ProtocolError{Reason: fmt.Sprintf("expected hello, got %T", in[0])}
	}
	if hello.Version != proto.Version {
		return res, &proto.ProtocolError{Reason: fmt.Sprintf(
			"protocol version mismatch: local %d, remote %d", proto.Version, hello.Version)}
	}
	s.peerReadOnly = hello.ReadOnly
	s.setState(StateHelloExchanged)
	s.log.Debug("peer connected",
		zap.String("session", s.id),
		zap.String("peer_session", hello.SessionID),
		zap.Bool("peer_read_only", hello.ReadOnly))

	// HelloExchanged -> SnapshotsExchanged
	ancestor, err := s.opts.Store.Load(s.opts.Root)
	if err != nil {
		return res, err
	}
	firstSync := ancestor == nil
	if firstSync {
		ancestor = snapshot.Empty(s.opts.Root)
	}

	scanner := &snapshot.Scanner{Workers: s.opts.Workers, Log: s.log, Progress: s.opts.Progress}
	scanRes, err := scanner.Scan(ctx, s.opts.Root, ancestor)
	if err != nil {
		return res, err
	}
	res.ScanErrors = scanRes.Errors
	s.absRoot = scanRes.Snapshot.Root()

	localCS := diff.Diff(ancestor, scanRes.Snapshot)
	res.LocalChanges = localCS.Len()

	summary, err := scanRes.Snapshot.SummaryRoot()
	if err != nil {
		return res, err
	}

	in, err = s.exchange(ctx, []proto.Message{
		proto.SnapshotSummary{Root: summary, Generation: ancestor.Generation(), Files: scanRes.Snapshot.Len()},
		proto.ChangeSetMsg{Changes: localCS.Changes},
	}, 2)
	if err != nil {
		return res, err
	}
	peerSummary, ok := in[0].(*proto.SnapshotSummary)
	if !ok {
		return res, &proto.ProtocolError{Reason: fmt.Sprintf("expected snapshot summary, got %T", in[0])}
	}
	peerChanges, ok := in[1].(*proto.ChangeSetMsg)
	if !ok {
		return res, &proto.ProtocolError{Reason: fmt.Sprintf("expected change set, got %T", in[1])}
	}
	remoteCS := &diff.ChangeSet{Changes: peerChanges.Changes}
	res.RemoteChanges = remoteCS.Len()
	s.setState(StateSnapshotsExchanged)

	if peerSummary.Root == summary {
		s.log.Debug("trees already convergent", zap.String("summary", summary))
	}

	// SnapshotsExchanged -> ChangesReconciled
	mergeOpts := merge.Options{LocalReadOnly: s.opts.ReadOnly, RemoteReadOnly: s.peerReadOnly}
	plan := merge.Resolve(localCS, remoteCS, mergeOpts)
	res.Conflicts = plan.Conflicts
	s.setState(StateChangesReconciled)
	s.log.Debug("reconciled",
		zap.Int("apply", len(plan.ApplyLocal)),
		zap.Int("send", len(plan.SendRemote)),
		zap.Int("conflicts", len(plan.Conflicts)))

	// ChangesReconciled -> Transferring
	s.setState(StateTransferring)
	applier := apply.New(s.absRoot, s.log)
	defer applier.Discard()

	if err := s.transfer(ctx, applier, plan, res); err != nil {
		return res, err
	}

	// Transferring -> Committing. The transfer loop only returns once
	// every expected file is staged and verified, every sent file is
	// acked and the peer's Done arrived, so committing here is safe even
	// though the peer's own commit may still be in flight.
	s.setState(StateCommitting)
	res.ApplyErrors = applier.Commit(plan.ApplyLocal)

	if firstSync || !localCS.Empty() || !remoteCS.Empty() {
		entries := merge.NextSnapshot(ancestor, localCS, remoteCS, plan.Conflicts, applier.FailedPaths(), mergeOpts)
		next := snapshot.FromEntries(s.absRoot, ancestor.Generation()+1, entries)
		if err := s.opts.Store.Save(next); err != nil {
			return res, err
		}
		res.Generation = next.Generation()
	} else {
		// Nothing moved on either side; the committed ancestor stands
		res.Generation = ancestor.Generation()
	}

	s.setState(StateDone)
	return res, nil
}

// transfer streams the files this side owes, closing with Done, while
// consuming the peer's chunks, acks and Done. Chunks for independent
// files are pipelined: the sender never waits for an ack before the next
// file. The phase ends when every expected incoming file is staged and
// verified, every sent file is acked and the peer has sent Done, which
// together form the commit gate.
func (s *session) transfer(ctx context.Context, applier *apply.Applier, plan *merge.Plan, res *Result) error {
	expected := make(map[string]snapshot.FileEntry)
	for _, in := range plan.ApplyLocal {
		if in.Op == merge.OpWrite {
			expected[in.Path] = in.Entry
		}
	}
	awaitingAck := make(map[string]struct{})
	for _, in := range plan.SendRemote {
		awaitingAck[in.Path] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, in := range plan.SendRemote {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := s.sendFile(in, res); err != nil {
				// Tell the peer while the stream still works
				s.sendErrorBestEffort(err)
				return err
			}
		}
		// Done marks that everything owed has been streamed
		return s.send(proto.Done{})
	})

	peerDone := false
	var recvErr error
	for len(expected) > 0 || len(awaitingAck) > 0 || !peerDone {
		m, err := s.recv()
		if err != nil {
			recvErr = err
			break
		}
		switch msg := m.(type) {
		case *proto.FileDataChunk:
			entry, ok := expected[msg.Path]
			if !ok {
				recvErr = &proto.ProtocolError{Reason: "unexpected file data for " + msg.Path}
				break
			}
			if err := applier.StageChunk(msg.Path, msg.Offset, msg.Data); err != nil {
				recvErr = err
				break
			}
			res.BytesReceived += int64(len(msg.Data))
			if msg.Last {
				if err := applier.FinishStaged(msg.Path, entry); err != nil {
					recvErr = err
					break
				}
				if err := s.send(proto.Ack{Path: msg.Path}); err != nil {
					recvErr = err
					break
				}
				delete(expected, msg.Path)
				res.FilesReceived++
			}
		case *proto.Ack:
			if _, ok := awaitingAck[msg.Path]; !ok {
				recvErr = &proto.ProtocolError{Reason: "unexpected ack for " + msg.Path}
				break
			}
			delete(awaitingAck, msg.Path)
		case *proto.Done:
			if peerDone {
				recvErr = &proto.ProtocolError{Reason: "duplicate done"}
				break
			}
			peerDone = true
		default:
			recvErr = &proto.ProtocolError{Reason: fmt.Sprintf("unexpected %T during transfer", m)}
		}
		if recvErr != nil {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return recvErr
}

// sendFile streams one local file as chunks, closing with an empty Last
// chunk that carries the final offset.
func (s *session) sendFile(in merge.Instruction, res *Result) error {
	full := filepath.Join(s.absRoot, filepath.FromSlash(in.Path))
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", in.Path, err)
	}
	defer f.Close()

	buf := make([]byte, proto.ChunkSize)
	var offset int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := proto.FileDataChunk{Path: in.Path, Offset: offset, Data: buf[:n]}
			if err := s.send(chunk); err != nil {
				return err
			}
			offset += int64(n)
			res.BytesSent += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read %s: %w", in.Path, rerr)
		}
	}

	if err := s.send(proto.FileDataChunk{Path: in.Path, Offset: offset, Last: true}); err != nil {
		return err
	}
	res.FilesSent++
	return nil
}

// RunLocalPair synchronizes two local roots by running both peers
// in-process over a channel-pair transport.
func RunLocalPair(ctx context.Context, a, b Options) (*Result, *Result, error) {
	connA, connB := transport.Pipe()

	var resA, resB *Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer connA.Close()
		r, err := Run(gctx, connA, a)
		resA = r
		if err != nil {
			return fmt.Errorf("%s: %w", a.Root, err)
		}
		return nil
	})
	g.Go(func() error {
		defer connB.Close()
		r, err := Run(gctx, connB, b)
		resB = r
		if err != nil {
			return fmt.Errorf("%s: %w", b.Root, err)
		}
		return nil
	})
	err := g.Wait()
	return resA, resB, err
}
