package rendezvous

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/raskyld/rendezvous/pkg/telemetry"
	"github.com/raskyld/rendezvous/transport"
	"google.golang.org/protobuf/encoding/protowire"
)

// Directory resolves the network address of a machine.
type Directory interface {
	Addr(id transport.MachineID) (string, error)
}

// StaticDirectory is a fixed machine to address table.
type StaticDirectory map[transport.MachineID]string

func (d StaticDirectory) Addr(id transport.MachineID) (string, error) {
	addr, ok := d[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownMachine, id)
	}
	return addr, nil
}

// memberMeta is gossiped by every member of the cluster.
type memberMeta struct {
	machine transport.MachineID
	addr    string
	ctrl    bool
}

func (m *memberMeta) marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.machine)))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.addr)
	if m.ctrl {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func unmarshalMemberMeta(b []byte) (memberMeta, error) {
	var m memberMeta
	var hasMachine bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.machine = transport.MachineID(protowire.DecodeZigZag(v))
			hasMachine = true
		case num == 2 && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			m.addr = v
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.ctrl = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return m, fmt.Errorf("%w: %w", ErrInvalidMeta, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if !hasMachine || m.addr == "" {
		return m, fmt.Errorf("%w: missing machine id or address", ErrInvalidMeta)
	}
	return m, nil
}

// gossipDirectory learns addresses from the metadata of cluster members. It
// is the memberlist delegate of the node.
type gossipDirectory struct {
	logger *slog.Logger

	lk      sync.RWMutex
	local   []byte
	addrs   map[transport.MachineID]string
	members map[string]memberMeta
}

func newGossipDirectory(logger *slog.Logger) *gossipDirectory {
	return &gossipDirectory{
		logger:  logger.With("component", "directory"),
		addrs:   make(map[transport.MachineID]string),
		members: make(map[string]memberMeta),
	}
}

// setLocal registers the local machine, it must be called before the
// memberlist asks for our metadata.
func (d *gossipDirectory) setLocal(local memberMeta) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.local = local.marshal()
	d.addrs[local.machine] = local.addr
}

func (d *gossipDirectory) Addr(id transport.MachineID) (string, error) {
	d.lk.RLock()
	defer d.lk.RUnlock()
	addr, ok := d.addrs[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownMachine, id)
	}
	return addr, nil
}

// ctrlAddr returns the address of a member hosting the coordination service.
func (d *gossipDirectory) ctrlAddr() (string, bool) {
	d.lk.RLock()
	defer d.lk.RUnlock()

	names := make([]string, 0, len(d.members))
	for name, meta := range d.members {
		if meta.ctrl {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return d.members[names[0]].addr, true
}

func (d *gossipDirectory) learn(name string, raw []byte) {
	meta, err := unmarshalMemberMeta(raw)
	if err != nil {
		d.logger.Warn("ignoring member with invalid metadata", telemetry.LabelPeerName.L(name), telemetry.LabelError.L(err))
		return
	}

	d.lk.Lock()
	defer d.lk.Unlock()
	for other, known := range d.members {
		if other != name && known.machine == meta.machine {
			d.logger.Error(
				"two members claim the same machine id",
				telemetry.LabelMachine.L(meta.machine),
				"previous", other,
				"current", name,
			)
		}
	}
	d.members[name] = meta
	d.addrs[meta.machine] = meta.addr
}

func (d *gossipDirectory) forget(name string) {
	d.lk.Lock()
	defer d.lk.Unlock()
	meta, ok := d.members[name]
	if !ok {
		return
	}
	delete(d.members, name)
	if d.addrs[meta.machine] == meta.addr {
		delete(d.addrs, meta.machine)
	}
}

func (d *gossipDirectory) NodeMeta(limit int) []byte {
	d.lk.RLock()
	defer d.lk.RUnlock()
	if len(d.local) > limit {
		panic(fmt.Sprintf("member metadata of %d bytes exceeds the %d bytes limit", len(d.local), limit))
	}
	return d.local
}

func (d *gossipDirectory) NotifyMsg([]byte) {}

func (d *gossipDirectory) GetBroadcasts(int, int) [][]byte {
	return nil
}

func (d *gossipDirectory) LocalState(bool) []byte {
	return nil
}

func (d *gossipDirectory) MergeRemoteState([]byte, bool) {}
