package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/collab"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/crdt"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/logstore"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	return newTestServerWith(t, func(svc *collab.SessionService) collab.Service { return svc })
}

// newTestServerWith 允许测试包一层 collab.Service 改写个别行为
func newTestServerWith(t *testing.T, wrap func(*collab.SessionService) collab.Service) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	kv, err := store.OpenBolt(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	svc := collab.NewService(logstore.New(kv, nil), collab.Options{})
	hub := NewHub(nil, nil)
	svc.AddNotifier(hub)
	t.Cleanup(svc.Close)
	m := NewManager(hub, wrap(svc), collab.NewSemaphoreControl(4), time.Minute, nil)

	r := gin.New()
	// 测试里直接从 query 取用户
	r.GET("/collab/ws", func(c *gin.Context) {
		if u := c.Query("user"); u != "" {
			c.Set("userId", u)
		}
		c.Next()
	}, m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, session, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws?sessionId=" + session + "&user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil 读到指定类型的消息为止，途中其他类型的消息忽略
func readUntil(t *testing.T, conn *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestWS_JoinReceivesStateAndConnected(t *testing.T) {
	srv, hub := newTestServer(t)
	a := dial(t, srv, "room1", "alice")

	state := readUntil(t, a, TypeState)
	assert.Equal(t, "room1", state.SessionID)
	require.NotEmpty(t, state.State)
	doc, err := crdt.Load(state.State)
	require.NoError(t, err)
	assert.True(t, doc.HasText())

	connected := readUntil(t, a, TypeConnected)
	assert.Equal(t, "alice", connected.UserID)
	assert.Equal(t, collab.DefaultLanguage, connected.Language)
	assert.Eventually(t, func() bool { return hub.RoomSize("room1") == 1 }, time.Second, 10*time.Millisecond)
}

func TestWS_UpdateRelayedToOthers(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv, "room1", "alice")
	stateA := readUntil(t, a, TypeState)
	readUntil(t, a, TypeConnected)
	b := dial(t, srv, "room1", "bob")
	stateB := readUntil(t, b, TypeState)
	readUntil(t, b, TypeConnected)

	docA, err := crdt.Load(stateA.State)
	require.NoError(t, err)
	docB, err := crdt.Load(stateB.State)
	require.NoError(t, err)

	update, err := docA.Splice(0, 0, "hi")
	require.NoError(t, err)
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeUpdate, Update: update}))

	got := readUntil(t, b, TypeUpdate)
	assert.Equal(t, "alice", got.UserID)
	require.NoError(t, docB.ApplyUpdate(got.Update))
	assert.Equal(t, "hi", docB.Text())

	require.NoError(t, b.WriteJSON(ClientMessage{Type: TypeHistoryGet, Limit: 10}))
	hist := readUntil(t, b, TypeHistory)
	require.Len(t, hist.History, 1)
	assert.Equal(t, "hi", hist.History[0].Changes[0].Snippet)
}

func TestWS_LanguageBroadcastAndErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv, "room1", "alice")
	readUntil(t, a, TypeConnected)
	b := dial(t, srv, "room1", "bob")
	readUntil(t, b, TypeConnected)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeLanguageSet, Language: "java"}))
	assert.Equal(t, "java", readUntil(t, b, TypeLanguage).Language)
	assert.Equal(t, "java", readUntil(t, a, TypeLanguage).Language)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeLanguageSet, Language: "cobol"}))
	errMsg := readUntil(t, a, TypeError)
	assert.Contains(t, errMsg.Content, "INVALID_INPUT")
}

func TestWS_SoftRevertBroadcastsUpdate(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv, "room1", "alice")
	stateA := readUntil(t, a, TypeState)
	readUntil(t, a, TypeConnected)

	doc, err := crdt.Load(stateA.State)
	require.NoError(t, err)
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeRevertSoft, Text: "restored"}))

	// 通知在服务返回前发出，更新在之后广播
	assert.Equal(t, "soft", readUntil(t, a, TypeReverted).Mode)
	got := readUntil(t, a, TypeUpdate)
	require.NoError(t, doc.ApplyUpdate(got.Update))
	assert.Equal(t, "restored", doc.Text())
}

func TestWS_RejectsMissingSession(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/collab/ws?user=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/collab/ws?sessionId=room1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

// revertingService 模拟 hard revert 进行中：所有 update 都被丢弃
type revertingService struct {
	*collab.SessionService
}

func (r revertingService) ApplyAndRecord(context.Context, string, []byte, string) (*history.Record, error) {
	return nil, collab.ErrUpdateDropped
}

func TestWS_DroppedUpdateIsNotRelayed(t *testing.T) {
	srv, _ := newTestServerWith(t, func(svc *collab.SessionService) collab.Service {
		return revertingService{SessionService: svc}
	})
	a := dial(t, srv, "room1", "alice")
	stateA := readUntil(t, a, TypeState)
	readUntil(t, a, TypeConnected)
	b := dial(t, srv, "room1", "bob")
	readUntil(t, b, TypeConnected)

	docA, err := crdt.Load(stateA.State)
	require.NoError(t, err)
	update, err := docA.Splice(0, 0, "lost")
	require.NoError(t, err)
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeUpdate, Update: update}))

	// 发送方收到错误和服务端的完整状态，用它替换本地副本
	errMsg := readUntil(t, a, TypeError)
	assert.Contains(t, errMsg.Content, "UPDATE_DROPPED")
	resync := readUntil(t, a, TypeState)
	doc, err := crdt.Load(resync.State)
	require.NoError(t, err)
	assert.Equal(t, "", doc.Text())

	// 同一连接上后发的语言广播先于任何 update 到达 bob，说明 update 没有被转发
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeLanguageSet, Language: "java"}))
	require.NoError(t, b.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg ServerMessage
		require.NoError(t, b.ReadJSON(&msg))
		require.NotEqual(t, TypeUpdate, msg.Type)
		if msg.Type == TypeLanguage {
			break
		}
	}
}

func TestWS_ListAllRooms(t *testing.T) {
	srv, hub := newTestServer(t)
	a := dial(t, srv, "room1", "alice")
	readUntil(t, a, TypeConnected)
	a2 := dial(t, srv, "room1", "alice")
	readUntil(t, a2, TypeConnected)
	b := dial(t, srv, "room2", "bob")
	readUntil(t, b, TypeConnected)
	assert.Eventually(t, func() bool { return hub.RoomSize("room1") == 2 && hub.RoomSize("room2") == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, b.WriteJSON(ClientMessage{Type: TypeListRooms}))
	got := readUntil(t, b, TypeRoomDetails)
	assert.Equal(t, []RoomDetail{
		{SessionID: "room1", Connections: 2, Users: []string{"alice"}},
		{SessionID: "room2", Connections: 1, Users: []string{"bob"}},
	}, got.Rooms)
}
