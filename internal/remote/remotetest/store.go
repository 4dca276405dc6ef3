// Package remotetest はテスト用のインメモリなリモートストアを提供する。
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hitoshi/eventsync/internal/model"
	"github.com/hitoshi/eventsync/internal/remote"
)

// Mode はフェイクストアの応答モード。
type Mode int

const (
	// ModeOnline は通常どおり応答する。
	ModeOnline Mode = iota
	// ModeUnavailable は全呼び出しでREMOTE_UNAVAILABLEを返す。
	ModeUnavailable
	// ModeRejecting は書き込み系の呼び出しでREMOTE_REJECTEDを返す。
	ModeRejecting
)

type account struct {
	principalID string
	password    string
}

// Store はremote.Storeのインメモリ実装。ドキュメントはJSONマップとして保持する。
type Store struct {
	mu        sync.Mutex
	mode      Mode
	accounts  map[string]account
	principal string
	users     map[string]map[string]any
	events    map[string]map[string]any
	nextID    int
	calls     map[string]int
	writes    []Write
}

// Write はリモートに適用された書き込みの記録。
type Write struct {
	Op     string
	UID    string
	Fields model.Fields
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		accounts: map[string]account{},
		users:    map[string]map[string]any{},
		events:   map[string]map[string]any{},
		calls:    map[string]int{},
	}
}

// SetMode は応答モードを切り替える。
func (s *Store) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// SetPrincipal は現在のリモート認証状態を直接設定する。空文字列で未認証。
func (s *Store) SetPrincipal(principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = principalID
}

// AddAccount は認証可能なアカウントを登録する。
func (s *Store) AddAccount(email, password, principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[email] = account{principalID: principalID, password: password}
}

// SeedUser はusers/{uid}を直接作成する。
func (s *Store) SeedUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := toMap(u)
	delete(doc, "uid")
	delete(doc, "profilePhotoData")
	s.users[u.UID] = doc
}

// SeedEvent はevents/{uid}を直接作成する。
func (s *Store) SeedEvent(e model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := toMap(e)
	delete(doc, "uid")
	s.events[e.UID] = doc
}

// UserDocument はusers/{uid}の現在の内容を返す。
func (s *Store) UserDocument(uid string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.users[uid]
	if !ok {
		return nil, false
	}
	return copyMap(doc), true
}

// EventDocument はevents/{uid}の現在の内容を返す。
func (s *Store) EventDocument(uid string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.events[uid]
	if !ok {
		return nil, false
	}
	return copyMap(doc), true
}

// Calls は指定メソッドの呼び出し回数を返す。
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Writes は適用された書き込みを順に返す。
func (s *Store) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *Store) enter(method string, write bool) error {
	s.calls[method]++
	switch s.mode {
	case ModeUnavailable:
		return model.NewRemoteUnavailableError(fmt.Errorf("remotetest: offline"))
	case ModeRejecting:
		if write {
			return model.NewRemoteRejectedError("remotetest: rejected", nil)
		}
	}
	return nil
}

// Authenticate はremote.Store.Authenticateを実装する。
func (s *Store) Authenticate(ctx context.Context, email, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Authenticate", false); err != nil {
		return "", err
	}
	acc, ok := s.accounts[email]
	if !ok || acc.password != password {
		return "", model.NewRemoteRejectedError("invalid credentials", nil)
	}
	s.principal = acc.principalID
	return acc.principalID, nil
}

// FetchUserDocument はremote.Store.FetchUserDocumentを実装する。
func (s *Store) FetchUserDocument(ctx context.Context, principalID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FetchUserDocument", false); err != nil {
		return nil, err
	}
	doc, ok := s.users[principalID]
	if !ok {
		return nil, nil
	}
	u := &model.User{}
	fromMap(doc, u)
	u.UID = principalID
	return u, nil
}

// WriteUserDocument はremote.Store.WriteUserDocumentを実装する。
func (s *Store) WriteUserDocument(ctx context.Context, uid string, fields model.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("WriteUserDocument", true); err != nil {
		return err
	}
	doc, ok := s.users[uid]
	if !ok {
		doc = map[string]any{}
		s.users[uid] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	s.writes = append(s.writes, Write{Op: "WriteUserDocument", UID: uid, Fields: fields.Clone()})
	return nil
}

// CreateEventDocument はremote.Store.CreateEventDocumentを実装する。
func (s *Store) CreateEventDocument(ctx context.Context, event *model.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateEventDocument", true); err != nil {
		return "", err
	}
	s.nextID++
	uid := fmt.Sprintf("event-%d", s.nextID)
	doc := toMap(event)
	delete(doc, "uid")
	s.events[uid] = doc
	s.writes = append(s.writes, Write{Op: "CreateEventDocument", UID: uid})
	return uid, nil
}

// UpdateEventDocument はremote.Store.UpdateEventDocumentを実装する。
func (s *Store) UpdateEventDocument(ctx context.Context, uid string, fields model.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateEventDocument", true); err != nil {
		return err
	}
	doc, ok := s.events[uid]
	if !ok {
		return model.NewRemoteRejectedError("remotetest: no such event", nil)
	}
	for k, v := range fields {
		doc[k] = v
	}
	s.writes = append(s.writes, Write{Op: "UpdateEventDocument", UID: uid, Fields: fields.Clone()})
	return nil
}

// DeleteEventDocument はremote.Store.DeleteEventDocumentを実装する。
func (s *Store) DeleteEventDocument(ctx context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteEventDocument", true); err != nil {
		return err
	}
	delete(s.events, uid)
	s.writes = append(s.writes, Write{Op: "DeleteEventDocument", UID: uid})
	return nil
}

// CurrentPrincipal はremote.Store.CurrentPrincipalを実装する。
func (s *Store) CurrentPrincipal(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CurrentPrincipal", false); err != nil {
		return "", err
	}
	return s.principal, nil
}

// Register はアカウントとユーザードキュメントを作成する。
func (s *Store) Register(ctx context.Context, email, password, username string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Register", true); err != nil {
		return "", err
	}
	if _, ok := s.accounts[email]; ok {
		return "", model.NewRemoteRejectedError("email already registered", nil)
	}
	s.nextID++
	uid := fmt.Sprintf("user-%d", s.nextID)
	s.accounts[email] = account{principalID: uid, password: password}
	s.users[uid] = map[string]any{"username": username, "email": email, "nivel": float64(1)}
	return uid, nil
}

// SignOut は認証状態を破棄する。
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["SignOut"]++
	s.principal = ""
	return nil
}

// RevokeAll はプリンシパルの全端末の認証を失効させる。
func (s *Store) RevokeAll(ctx context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("RevokeAll", true); err != nil {
		return err
	}
	if s.principal == principalID {
		s.principal = ""
	}
	return nil
}

// ListEventDocuments はevents配下の全ドキュメントをuid順に返す。
func (s *Store) ListEventDocuments(ctx context.Context) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListEventDocuments", false); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	events := make([]*model.Event, 0, len(ids))
	for _, id := range ids {
		e := &model.Event{}
		fromMap(s.events[id], e)
		e.UID = id
		events = append(events, e)
	}
	return events, nil
}

// Ping は到達性を返す。
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("Ping", false)
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(err)
	}
	return m
}

func fromMap(m map[string]any, dst any) {
	raw, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		panic(err)
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ remote.Store = (*Store)(nil)
