package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):       会话在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - awarenessKey(sessionID):  会话内 userId→awareness 字节（Hash）
// - sessionsKey():            有在线成员的会话索引（Set<sessionID>）
// {sessionID:%s} 是 cluster hash tag，同一会话的 key 落在同一个 slot，Lua 脚本可以同时操作

const (
	keyRoomFmt      = "collab:presence:room:{sessionID:%s}"      // ZSet<userId, expireAtUnix>
	keyAwarenessFmt = "collab:presence:awareness:{sessionID:%s}" // Hash<userId -> awareness>
	keySessionsSet  = "collab:presence:sessions"                 // Set<sessionID>
)

func roomKey(sessionID string) string      { return fmt.Sprintf(keyRoomFmt, sessionID) }
func awarenessKey(sessionID string) string { return fmt.Sprintf(keyAwarenessFmt, sessionID) }
func sessionsKey() string                  { return keySessionsSet }
