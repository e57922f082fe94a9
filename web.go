package sshhoneypot

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// queued events per client before it is considered too slow and dropped
const CLIENT_SEND_BUFFER int = 64

const SOCKET_WRITE_TIMEOUT time.Duration = 10 * time.Second
const SOCKET_PONG_TIMEOUT time.Duration = 60 * time.Second
const SOCKET_PING_PERIOD time.Duration = (SOCKET_PONG_TIMEOUT * 9) / 10

// Hub fans push events out to every connected websocket client.
type Hub struct {
	mutex    sync.Mutex
	clients  map[*hubClient]struct{}
	upgrader websocket.Upgrader
	log      LoggerInterface
	metrics  *Metrics
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub(log LoggerInterface, metrics *Metrics) *Hub {
	hub := &Hub{
		clients: map[*hubClient]struct{}{},
		log:     log,
		metrics: metrics,
	}
	hub.upgrader = websocket.Upgrader{CheckOrigin: hub.originChecker}
	return hub
}

// originChecker accepts every origin. The push channel is read-only and
// carries the same data the JSON query routes serve without credentials.
func (hub *Hub) originChecker(r *http.Request) bool {
	return true
}

// Broadcast queues event for every client. Clients whose queue is full are
// disconnected rather than allowed to hold up the others.
func (hub *Hub) Broadcast(event PushEvent) {
	data := event.ToJSON()
	if len(data) == 0 {
		return
	}
	hub.metrics.eventBroadcast(event.Event)

	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for client := range hub.clients {
		select {
		case client.send <- data:
		default:
			hub.log.Printf("dropping slow dashboard client %v", client.conn.RemoteAddr())
			hub.removeLocked(client)
		}
	}
}

func (hub *Hub) ClientCount() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.clients)
}

// Close disconnects every client.
func (hub *Hub) Close() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for client := range hub.clients {
		hub.removeLocked(client)
	}
}

func (hub *Hub) removeLocked(client *hubClient) {
	if _, ok := hub.clients[client]; !ok {
		return
	}
	delete(hub.clients, client)
	hub.metrics.clientsChanged(-1)
	client.once.Do(func() { close(client.send) })
}

func (hub *Hub) remove(client *hubClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.removeLocked(client)
}

// ServeHTTP upgrades the request and keeps the client registered until it
// goes away.
func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Printf("Error during connection upgradation: %v", err)
		return
	}
	client := &hubClient{conn: conn, send: make(chan []byte, CLIENT_SEND_BUFFER)}
	hub.mutex.Lock()
	hub.clients[client] = struct{}{}
	hub.mutex.Unlock()
	hub.metrics.clientsChanged(1)
	hub.log.Printf("got new connection on web socket from %v", conn.RemoteAddr())

	go hub.writePump(client)
	hub.readPump(client)
}

// readPump only exists to notice the client going away; incoming messages
// are discarded.
func (hub *Hub) readPump(client *hubClient) {
	defer func() {
		hub.remove(client)
		client.conn.Close()
		hub.log.Printf("ending session with dashboard client %v", client.conn.RemoteAddr())
	}()
	client.conn.SetReadDeadline(time.Now().Add(SOCKET_PONG_TIMEOUT))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(SOCKET_PONG_TIMEOUT))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (hub *Hub) writePump(client *hubClient) {
	ticker := time.NewTicker(SOCKET_PING_PERIOD)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(SOCKET_WRITE_TIMEOUT))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				hub.log.Printf("Error during message writing: %v", err)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(SOCKET_WRITE_TIMEOUT))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
