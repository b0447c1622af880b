package ws

import (
	"context"
	"errors"
	"time"

	"github.com/pliu/relaychat/internal/logging"
	"github.com/pliu/relaychat/internal/models"
)

// RoomID names the conversation between a and b. It is symmetric.
func RoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// PersonalRoom names the room every connection of userID joins on connect.
func PersonalRoom(userID string) string {
	return "user_" + userID
}

var errHubStopped = errors.New("hub stopped")

type joinRequest struct {
	client *Client
	room   string
}

type directFrame struct {
	client *Client
	data   []byte
}

// Hub owns rooms and the user to connections registry. All of its state is
// touched only by the Run goroutine.
type Hub struct {
	// Registered clients.
	clients map[*Client]struct{}

	// Connections per authenticated user id.
	users map[string]map[*Client]struct{}

	// Members per room. A room exists only while it has members.
	rooms map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	join       chan joinRequest
	broadcast  chan models.Message
	direct     chan directFrame
	snapshots  chan chan Snapshot
	done       chan struct{}

	logger logging.Logger
	now    func() time.Time
}

func NewHub(logger logging.Logger, now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		users:      make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan joinRequest),
		broadcast:  make(chan models.Message),
		direct:     make(chan directFrame),
		snapshots:  make(chan chan Snapshot),
		done:       make(chan struct{}),
		logger:     logger,
		now:        now,
	}
}

// Run processes hub events until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case req := <-h.join:
			h.joinRoom(req.client, req.room)
		case msg := <-h.broadcast:
			h.deliver(msg)
		case f := <-h.direct:
			if _, ok := h.clients[f.client]; ok {
				h.send(f.client, f.data)
			}
		case reply := <-h.snapshots:
			reply <- h.snapshot()
		}
	}
}

// Register binds client to its user and its personal room. It reports false
// once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client from every room. It is safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// JoinChat adds client to the room it shares with otherUserID.
func (h *Hub) JoinChat(client *Client, otherUserID string) {
	h.enqueueJoin(joinRequest{client: client, room: RoomID(client.userID, otherUserID)})
}

// SendMessage relays text from client to every member of the room it shares
// with otherUserID. The sender is always the authenticated user.
func (h *Hub) SendMessage(client *Client, otherUserID, text string) {
	msg := models.Message{
		RoomID:     RoomID(client.userID, otherUserID),
		FromUserID: client.userID,
		ToUserID:   otherUserID,
		Text:       text,
		CreatedAt:  timestamp(h.now()),
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Reply queues data for client alone.
func (h *Hub) Reply(client *Client, data []byte) {
	select {
	case h.direct <- directFrame{client: client, data: data}:
	case <-h.done:
	}
}

// Snapshot counts the hub's live state.
type Snapshot struct {
	Connections int
	Users       int
	// Rooms maps each existing room to its member count.
	Rooms map[string]int
}

// Snapshot returns the hub's state as of the moment Run handles the request.
func (h *Hub) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case h.snapshots <- reply:
	case <-h.done:
		return Snapshot{}, errHubStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	return <-reply, nil
}

func (h *Hub) snapshot() Snapshot {
	s := Snapshot{
		Connections: len(h.clients),
		Users:       len(h.users),
		Rooms:       make(map[string]int, len(h.rooms)),
	}
	for room, members := range h.rooms {
		s.Rooms[room] = len(members)
	}
	return s
}

func (h *Hub) enqueueJoin(req joinRequest) {
	select {
	case h.join <- req:
	case <-h.done:
	}
}

func (h *Hub) add(client *Client) {
	h.clients[client] = struct{}{}
	conns, ok := h.users[client.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.users[client.userID] = conns
	}
	conns[client] = struct{}{}
	h.addMember(client, PersonalRoom(client.userID))
	h.logger.Info(context.Background(), "client connected", "conn_id", client.id, "user_id", client.userID, "email", client.email)
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for room := range client.rooms {
		members := h.rooms[room]
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	client.rooms = nil
	if conns := h.users[client.userID]; conns != nil {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.users, client.userID)
		}
	}
	close(client.send)
	h.logger.Info(context.Background(), "client disconnected", "conn_id", client.id, "user_id", client.userID)
}

func (h *Hub) joinRoom(client *Client, room string) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.addMember(client, room)
	h.logger.Debug(context.Background(), "joined room", "conn_id", client.id, "room_id", room)

	ack, err := encodeFrame(TypeJoinedChat, JoinedChatPayload{RoomID: room})
	if err != nil {
		h.logger.Error(context.Background(), "encode joined frame", "err", err)
		return
	}
	h.send(client, ack)
}

func (h *Hub) addMember(client *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
}

func (h *Hub) deliver(msg models.Message) {
	members := h.rooms[msg.RoomID]
	if len(members) == 0 {
		return
	}
	data, err := messageFrame(msg)
	if err != nil {
		h.logger.Error(context.Background(), "encode message frame", "err", err)
		return
	}
	for client := range members {
		h.send(client, data)
	}
}

// send queues data on client, evicting it when its buffer is full.
func (h *Hub) send(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.logger.Warn(context.Background(), "evicting slow client", "conn_id", client.id, "user_id", client.userID)
		h.remove(client)
	}
}
