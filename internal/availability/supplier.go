package availability

import "sync"

// RangeSource answers what portion of an object this process already
// holds, so it can be reported to subscribers — normally backed by the
// download manager's part-file bookkeeping.
type RangeSource interface {
	Ranges(obj ObjKey) ([]Range, error)
}

// DataSource serves the bytes themselves for the data plane: a read of
// length bytes at offset from the named object's blob.
type DataSource interface {
	ReadRange(obj ObjKey, offset, length int64) ([]byte, error)
}

// Supplier answers other peers' availability-info requests for objects
// this process is downloading or has downloaded, serves data requests
// against those objects, and proactively notifies subscribers as new
// ranges complete. Mirrors availability_info_supplier.py's subscription
// bookkeeping.
type Supplier struct {
	sender Sender
	source RangeSource
	data   DataSource

	mu            sync.Mutex
	subscriptions map[ObjKey]map[string]struct{} // obj -> set of peer ids
}

// NewSupplier constructs a Supplier. data may be nil, in which case
// every data request is answered with MsgDataFailure.
func NewSupplier(sender Sender, source RangeSource, data DataSource) *Supplier {
	return &Supplier{
		sender:        sender,
		source:        source,
		data:          data,
		subscriptions: make(map[ObjKey]map[string]struct{}),
	}
}

// OnPeerDisconnected drops peerID from every subscription, pruning any
// object left with no subscribers.
func (s *Supplier) OnPeerDisconnected(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for obj, peers := range s.subscriptions {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(s.subscriptions, obj)
		}
	}
}

// OnNewAvailabilityInfo notifies every subscriber of obj that a new
// range has become available, without waiting for them to re-request.
func (s *Supplier) OnNewAvailabilityInfo(obj ObjKey, r Range) {
	for _, peerID := range s.subscribers(obj) {
		s.sendInfo(peerID, obj, []Range{r})
	}
}

// RemoveSubscriptionsOnDownload notifies every subscriber that obj is
// now fully available (one range spanning the whole object) and clears
// its subscriber set, since nothing further will change for it.
func (s *Supplier) RemoveSubscriptionsOnDownload(obj ObjKey, length int64) {
	s.mu.Lock()
	peers := make([]string, 0, len(s.subscriptions[obj]))
	for peerID := range s.subscriptions[obj] {
		peers = append(peers, peerID)
	}
	delete(s.subscriptions, obj)
	s.mu.Unlock()

	for _, peerID := range peers {
		s.sendInfo(peerID, obj, []Range{{Offset: 0, Length: length}})
	}
}

func (s *Supplier) subscribers(obj ObjKey) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]string, 0, len(s.subscriptions[obj]))
	for peerID := range s.subscriptions[obj] {
		peers = append(peers, peerID)
	}
	return peers
}

// OnRequest handles an incoming MsgRequest envelope, registers peerID as
// a subscriber, and answers with the object's currently known ranges
// (or a MsgFailure if the source has nothing for this id).
func (s *Supplier) OnRequest(peerID string, env *Envelope) {
	obj := ObjKey{Type: env.ObjType, ID: env.ObjID}
	s.mu.Lock()
	if s.subscriptions[obj] == nil {
		s.subscriptions[obj] = make(map[string]struct{})
	}
	s.subscriptions[obj][peerID] = struct{}{}
	s.mu.Unlock()

	ranges, err := s.source.Ranges(obj)
	if err != nil {
		s.sender.Send(peerID, &Envelope{Type: MsgFailure, ObjType: obj.Type, ObjID: obj.ID, ErrMsg: err.Error()}) //nolint:errcheck
		return
	}
	s.sendInfo(peerID, obj, ranges)
}

// OnAbort handles an incoming MsgAbort envelope, removing peerID as a
// subscriber of the named object.
func (s *Supplier) OnAbort(peerID string, env *Envelope) {
	obj := ObjKey{Type: env.ObjType, ID: env.ObjID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if peers, ok := s.subscriptions[obj]; ok {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(s.subscriptions, obj)
		}
	}
}

// OnDataRequest serves an incoming MsgDataRequest: the requested span is
// read from the data source and unicast back as a MsgDataResponse, or a
// MsgDataFailure when the object (or the span) is not locally held.
func (s *Supplier) OnDataRequest(peerID string, env *Envelope) {
	obj := ObjKey{Type: env.ObjType, ID: env.ObjID}
	if s.data == nil {
		s.sendDataFailure(peerID, obj, env.Offset, "no data source")
		return
	}
	bs, err := s.data.ReadRange(obj, env.Offset, env.Length)
	if err != nil {
		s.sendDataFailure(peerID, obj, env.Offset, err.Error())
		return
	}
	s.sender.Send(peerID, &Envelope{ //nolint:errcheck
		Type:    MsgDataResponse,
		ObjType: obj.Type,
		ObjID:   obj.ID,
		Offset:  env.Offset,
		Length:  int64(len(bs)),
		Data:    bs,
	})
}

func (s *Supplier) sendDataFailure(peerID string, obj ObjKey, offset int64, msg string) {
	s.sender.Send(peerID, &Envelope{ //nolint:errcheck
		Type:    MsgDataFailure,
		ObjType: obj.Type,
		ObjID:   obj.ID,
		Offset:  offset,
		ErrMsg:  msg,
	})
}

func (s *Supplier) sendInfo(peerID string, obj ObjKey, ranges []Range) {
	s.sender.Send(peerID, &Envelope{Type: MsgInfo, ObjType: obj.Type, ObjID: obj.ID, Ranges: ranges}) //nolint:errcheck
}
