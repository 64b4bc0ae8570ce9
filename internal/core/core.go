// Package core implements FamilyCom's daemon core: the single task that
// owns the store handle, the event-bus producer, OnlineSet, and the active
// configuration, and multiplexes discovery/inbound/config-change/control/
// shutdown events in one selection loop. Grounded on the teacher's runPeer
// top-level orchestration in internal/app/run.go (one goroutine owning the
// peer table, node, and db) and internal/state/peers.go's PeerTable for
// the OnlineSet's upsert/remove/notify shape, reduced to a plain map since
// here the loop itself is the only writer.
package core

import (
	"fmt"
	"log"

	"github.com/familycom/familycom/internal/bus"
	"github.com/familycom/familycom/internal/config"
	"github.com/familycom/familycom/internal/control"
	"github.com/familycom/familycom/internal/discovery"
	"github.com/familycom/familycom/internal/inbound"
	"github.com/familycom/familycom/internal/outbound"
	"github.com/familycom/familycom/internal/store"
	"github.com/familycom/familycom/internal/types"
	"github.com/familycom/familycom/internal/wire"
)

// controlRequest pairs an inbound control request with the reply channel
// its client is blocked on, so Handle can forward it into the core's
// single selection loop and wait for the answer.
type controlRequest struct {
	req   control.Request
	reply chan control.Message
}

// Core owns all of the daemon's mutable state.
type Core struct {
	store    *store.Store
	bus      *bus.Bus[control.Message]
	cfg      config.Config
	cfgPath  string
	discover *discovery.Adapter

	online map[types.PeerIdentity]types.PeerRecord

	discoveryEvents <-chan discovery.Event
	inboundEvents   <-chan inbound.Event
	configChanged   <-chan struct{}
	controlReqs     chan controlRequest
}

// New constructs a Core. discoveryAdapter may be nil in tests that don't
// exercise shutdown-time unregistration. configChanged may be nil; if set,
// a signal on it triggers a reload of the config file from disk (sent
// after any write to the file, including the core's own Save calls, which
// leave nothing new to adopt).
func New(st *store.Store, eventBus *bus.Bus[control.Message], cfg config.Config, cfgPath string, discoverAdapter *discovery.Adapter, discoveryEvents <-chan discovery.Event, inboundEvents <-chan inbound.Event, configChanged <-chan struct{}) *Core {
	return &Core{
		store:           st,
		bus:             eventBus,
		cfg:             cfg,
		cfgPath:         cfgPath,
		discover:        discoverAdapter,
		online:          make(map[types.PeerIdentity]types.PeerRecord),
		discoveryEvents: discoveryEvents,
		inboundEvents:   inboundEvents,
		configChanged:   configChanged,
		controlReqs:     make(chan controlRequest),
	}
}

// Handle implements control.Handler: it forwards req into the core's
// selection loop and blocks for the reply, so every store/config mutation
// still happens exclusively on the core's own goroutine.
func (c *Core) Handle(req control.Request) control.Message {
	reply := make(chan control.Message, 1)
	c.controlReqs <- controlRequest{req: req, reply: reply}
	return <-reply
}

// Run executes the single selection loop until shutdown is closed, then
// unregisters discovery and returns.
func (c *Core) Run(shutdown <-chan struct{}) error {
	for {
		select {
		case ev, ok := <-c.discoveryEvents:
			if !ok {
				c.discoveryEvents = nil
				continue
			}
			c.handleDiscoveryEvent(ev)

		case ev, ok := <-c.inboundEvents:
			if !ok {
				c.inboundEvents = nil
				continue
			}
			c.handleInboundEvent(ev)

		case _, ok := <-c.configChanged:
			if !ok {
				c.configChanged = nil
				continue
			}
			c.reloadConfig()

		case cr := <-c.controlReqs:
			cr.reply <- c.handleControlRequest(cr.req)

		case <-shutdown:
			if c.discover != nil {
				c.discover.Shutdown()
			}
			return nil
		}
	}
}

func (c *Core) handleDiscoveryEvent(ev discovery.Event) {
	switch {
	case ev.Found != nil:
		rec := *ev.Found
		c.online[rec.Identity] = rec
		if err := c.store.UpsertPeer(rec); err != nil {
			log.Printf("core: upsert peer on discovery: %v", err)
		}
		c.bus.Publish(control.Message{Type: control.MsgPeerOnline, Peer: peerViewPtr(rec)})

	case ev.Lost != nil:
		id := *ev.Lost
		if _, ok := c.online[id]; ok {
			delete(c.online, id)
			c.bus.Publish(control.Message{Type: control.MsgPeerOffline, PeerIDStr: string(id)})
		}
	}
}

func (c *Core) handleInboundEvent(ev inbound.Event) {
	switch {
	case ev.Chat != nil:
		c.handleChat(*ev.Chat, ev.RemoteAddr)
	case ev.Ack != nil:
		c.handleAck(*ev.Ack)
	}
}

func (c *Core) handleChat(chat wire.ChatPayload, remoteAddr string) {
	_, known, err := c.store.GetPeer(chat.SenderID)
	if err != nil {
		log.Printf("core: lookup sender on chat: %v", err)
	} else if !known {
		synth := types.PeerRecord{
			Identity:    chat.SenderID,
			DisplayName: chat.SenderName,
			Addresses:   []string{inbound.RemotePeerAddr(remoteAddr)},
			LastSeenAt:  types.Now(),
		}
		if err := c.store.UpsertPeer(synth); err != nil {
			log.Printf("core: synthesize unknown sender: %v", err)
		}
	}

	msg := types.MessageRecord{
		Identity:     chat.ID,
		PeerIdentity: chat.SenderID,
		Direction:    types.DirectionReceived,
		Content:      chat.Content,
		Timestamp:    chat.Timestamp,
		Delivered:    true,
	}
	if err := c.store.SaveMessage(msg); err != nil {
		log.Printf("core: save inbound message %s: %v", chat.ID, err)
	}
	// Published even on a save error (duplicate or otherwise) so the UI
	// stays live; the ACK was already sent at the wire layer regardless.
	c.bus.Publish(control.Message{Type: control.MsgNewMessage, Message: messageViewPtr(msg)})
}

func (c *Core) handleAck(ack wire.AckPayload) {
	if _, err := c.store.MarkDelivered(ack.MessageID); err != nil {
		log.Printf("core: mark delivered %s: %v", ack.MessageID, err)
	}
	c.bus.Publish(control.Message{Type: control.MsgMessageDelivered, MessageID: string(ack.MessageID)})
}

func (c *Core) handleControlRequest(req control.Request) control.Message {
	switch req.Type {
	case control.ReqListPeers:
		return c.handleListPeers()
	case control.ReqGetMessages:
		return c.handleGetMessages(req)
	case control.ReqSendMessage:
		return c.handleSendMessage(req)
	case control.ReqGetConfig:
		return control.Message{Type: control.MsgConfig, DisplayName: c.cfg.DisplayName, PeerIDStr: c.cfg.PeerID}
	case control.ReqSetDisplayName:
		return c.handleSetDisplayName(req)
	case control.ReqSubscribe:
		// Subscribe is handled entirely in the control server; if one
		// reaches here it's forwarded defensively.
		return control.Message{Type: control.MsgOk}
	default:
		return control.ErrorMessage(control.CodeInvalidRequest, fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func (c *Core) handleListPeers() control.Message {
	peers, err := c.store.GetPeers()
	if err != nil {
		return control.ErrorMessage(control.CodeDBError, err.Error())
	}
	views := make([]control.PeerView, 0, len(peers))
	for _, p := range peers {
		_, p.Online = c.online[p.Identity]
		views = append(views, control.PeerRecordToView(p))
	}
	return control.Message{Type: control.MsgPeerList, Peers: views}
}

func (c *Core) handleGetMessages(req control.Request) control.Message {
	var before *types.Timestamp
	if req.Before != nil {
		ts := types.Timestamp(*req.Before)
		before = &ts
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	msgs, err := c.store.GetMessages(types.PeerIdentity(req.PeerID), limit, before)
	if err != nil {
		return control.ErrorMessage(control.CodeDBError, err.Error())
	}
	views := make([]control.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, control.MessageRecordToView(m))
	}
	return control.Message{Type: control.MsgMessages, Messages: views}
}

func (c *Core) handleSendMessage(req control.Request) control.Message {
	content, err := types.NewMessageContent(req.Content)
	if err != nil {
		return control.ErrorMessage(control.CodeInvalidContent, err.Error())
	}
	peerID := types.PeerIdentity(req.PeerID)

	addrs := c.resolveAddresses(peerID)
	if len(addrs) == 0 {
		return control.ErrorMessage(control.CodePeerNotFound, fmt.Sprintf("no known address for peer %q", req.PeerID))
	}

	msgID := types.NewMessageIdentity()
	ts := types.Now()
	record := types.MessageRecord{
		Identity:     msgID,
		PeerIdentity: peerID,
		Direction:    types.DirectionSent,
		Content:      string(content),
		Timestamp:    ts,
		Delivered:    false,
	}
	if err := c.store.SaveMessage(record); err != nil {
		return control.ErrorMessage(control.CodeDBError, err.Error())
	}

	chatMsg := wire.NewChat(msgID, types.PeerIdentity(c.cfg.PeerID), c.cfg.DisplayName, string(content), ts)
	if sendErr := outbound.SendAny(addrs, chatMsg); sendErr != nil {
		log.Printf("core: send to %s failed: %v", req.PeerID, sendErr)
		return control.Message{Type: control.MsgMessageSent, MessageID: string(msgID)}
	}

	if _, err := c.store.MarkDelivered(msgID); err != nil {
		log.Printf("core: mark delivered after send %s: %v", msgID, err)
	}
	c.bus.Publish(control.Message{Type: control.MsgMessageDelivered, MessageID: string(msgID)})
	return control.Message{Type: control.MsgMessageSent, MessageID: string(msgID)}
}

func (c *Core) resolveAddresses(peerID types.PeerIdentity) []string {
	if rec, ok := c.online[peerID]; ok && len(rec.Addresses) > 0 {
		return rec.Addresses
	}
	rec, ok, err := c.store.GetPeer(peerID)
	if err != nil || !ok {
		return nil
	}
	return rec.Addresses
}

func (c *Core) handleSetDisplayName(req control.Request) control.Message {
	name, err := types.NewDisplayName(req.Name)
	if err != nil {
		return control.ErrorMessage(control.CodeInvalidName, err.Error())
	}
	updated := c.cfg
	updated.DisplayName = string(name)
	if err := config.Save(c.cfgPath, updated); err != nil {
		return control.ErrorMessage(control.CodeConfigError, err.Error())
	}
	c.cfg = updated
	return control.Message{Type: control.MsgOk}
}

// reloadConfig re-reads the config file after an external edit and adopts
// any changed display_name. peer_id and tcp_port are left alone: changing
// either out from under a running daemon would desynchronize it from its
// already-advertised identity and listening port.
func (c *Core) reloadConfig() {
	onDisk, err := config.Load(c.cfgPath)
	if err != nil {
		log.Printf("core: reload config: %v", err)
		return
	}
	if onDisk.DisplayName != c.cfg.DisplayName {
		log.Printf("core: display name changed externally: %q -> %q", c.cfg.DisplayName, onDisk.DisplayName)
		c.cfg.DisplayName = onDisk.DisplayName
	}
}

func peerViewPtr(p types.PeerRecord) *control.PeerView {
	v := control.PeerRecordToView(p)
	return &v
}

func messageViewPtr(m types.MessageRecord) *control.MessageView {
	v := control.MessageRecordToView(m)
	return &v
}
