package collab

import (
	"context"
	"maps"
)

// awareness 对核心是不透明的字节：按用户覆盖写入，不进日志

func (svc *SessionService) MergeAwareness(ctx context.Context, id, userID string, state []byte) error {
	if userID == "" {
		return invalid("missing user id")
	}
	s, err := svc.GetOrLoadSession(ctx, id)
	if err != nil {
		return err
	}
	s.awMu.Lock()
	defer s.awMu.Unlock()
	if len(state) == 0 {
		delete(s.awareness, userID)
		return nil
	}
	s.awareness[userID] = append([]byte(nil), state...)
	return nil
}

func (svc *SessionService) RemoveAwareness(ctx context.Context, id, userID string) error {
	return svc.MergeAwareness(ctx, id, userID, nil)
}

func (svc *SessionService) Awareness(ctx context.Context, id string) (map[string][]byte, error) {
	s, err := svc.GetOrLoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.awMu.RLock()
	defer s.awMu.RUnlock()
	return maps.Clone(s.awareness), nil
}
