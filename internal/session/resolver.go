package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/eventsync/internal/model"
)

// State は認証状態の解決結果。
type State int

const (
	// StateUnresolved は未認証（ログイン画面へ遷移する）。
	StateUnresolved State = iota
	// StateAuthenticated は端末のセッションとリモートの認証状態が一致している。
	StateAuthenticated
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unresolved"
	}
}

// RemoteAuth はResolverが利用するリモートストアの認証機能。
type RemoteAuth interface {
	Authenticate(ctx context.Context, email, password string) (string, error)
	CurrentPrincipal(ctx context.Context) (string, error)
}

// RemoteRegistrar はアカウント作成に対応するリモートストア。
type RemoteRegistrar interface {
	Register(ctx context.Context, email, password, username string) (string, error)
}

// RemoteSignOuter はリモートの認証状態の破棄に対応するリモートストア。
type RemoteSignOuter interface {
	SignOut(ctx context.Context) error
}

// RemoteRevoker は指定プリンシパルの全端末の認証の失効に対応するリモートストア。
type RemoteRevoker interface {
	RevokeAll(ctx context.Context, principalID string) error
}

// PendingCounter はリモートに未反映の変更の件数を返す。同期コーディネータが実装する。
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// SignOutOptions はサインアウトの動作を指定する。
type SignOutOptions struct {
	// Everywhere がtrueの場合、リモートでこのユーザーの全端末の認証を失効させる。
	Everywhere bool
	// Force がtrueの場合、リモートに未反映の変更が残っていてもサインアウトする。
	// 残った変更は別ユーザーでの再送時にリモートに拒否され破棄される。
	Force bool
}

// UserLoader はアクティブユーザーの読み込みとローカルキャッシュの管理を行う。
// 同期コーディネータが実装する。
type UserLoader interface {
	// LoadActiveUser はローカル優先でユーザーを返す。
	LoadActiveUser(ctx context.Context, uid string) (*model.User, error)
	// RefreshUser はリモートからユーザーを取得してローカルに書き込む。
	RefreshUser(ctx context.Context, uid string) (*model.User, error)
	// EvictUser はローカルにキャッシュされたユーザーを削除する。
	EvictUser(ctx context.Context, uid string) error
}

// Resolution はResolveの結果。
type Resolution struct {
	State  State
	UserID string
	User   *model.User
}

// Resolver は端末に保存されたセッションとリモートの認証状態を突き合わせ、
// 現在のユーザーを決定する。
// ローカルのセッションだけで認証済みとみなすことはない。
type Resolver struct {
	sessions Store
	remote   RemoteAuth
	users    UserLoader
	logger   *slog.Logger

	mu     sync.RWMutex
	state  State
	userID string
}

// NewResolver はResolverを生成する。
func NewResolver(sessions Store, remote RemoteAuth, users UserLoader, logger *slog.Logger) *Resolver {
	return &Resolver{
		sessions: sessions,
		remote:   remote,
		users:    users,
		logger:   logger,
	}
}

// State は最後に解決した認証状態を返す。
func (r *Resolver) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// ActiveUserID は最後のResolveまたはSignInで認証済みと判定されたユーザーIDを返す。
// 認証済みでない場合はUNAUTHORIZEDを返す。リモートには問い合わせない。
func (r *Resolver) ActiveUserID(ctx context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateAuthenticated || r.userID == "" {
		return "", model.NewUnauthorizedError()
	}
	return r.userID, nil
}

func (r *Resolver) setState(s State, uid string) {
	r.mu.Lock()
	r.state = s
	r.userID = uid
	r.mu.Unlock()
}

// Resolve は保存されたセッションを読み、リモートの現在のプリンシパルと照合する。
//   - セッションなし: Unresolved
//   - プリンシパルが一致しない、または未認証: セッションを破棄してUnresolved
//   - 一致: Authenticated。ユーザーはローカル優先で読み込む
//
// リモートに到達できない場合はセッションを残したままUnresolvedとエラーを返す。
func (r *Resolver) Resolve(ctx context.Context) (*Resolution, error) {
	unresolved := &Resolution{State: StateUnresolved}

	sess, err := r.sessions.Load(ctx)
	if err != nil {
		r.setState(StateUnresolved, "")
		return unresolved, model.NewStorageError("load session", err)
	}
	if sess == nil {
		r.setState(StateUnresolved, "")
		return unresolved, nil
	}

	principal, err := r.remote.CurrentPrincipal(ctx)
	if err != nil {
		r.setState(StateUnresolved, "")
		r.logger.Warn("リモートの認証状態を確認できませんでした",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
		return unresolved, err
	}

	if principal != sess.UserID {
		r.logger.Info("保存されたセッションがリモートの認証状態と一致しないため破棄します",
			slog.String("user_id", sess.UserID),
			slog.String("principal_id", principal),
		)
		if err := r.sessions.Clear(ctx); err != nil {
			r.setState(StateUnresolved, "")
			return unresolved, model.NewStorageError("clear session", err)
		}
		r.setState(StateUnresolved, "")
		return unresolved, nil
	}

	user, err := r.users.LoadActiveUser(ctx, sess.UserID)
	if err != nil {
		r.setState(StateUnresolved, "")
		return unresolved, err
	}

	r.setState(StateAuthenticated, sess.UserID)
	return &Resolution{State: StateAuthenticated, UserID: sess.UserID, User: user}, nil
}

// SignIn はリモートで認証し、ユーザードキュメントをローカルにキャッシュしてからセッションを保存する。
func (r *Resolver) SignIn(ctx context.Context, email, password string) (*Resolution, error) {
	principal, err := r.remote.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}

	user, err := r.users.RefreshUser(ctx, principal)
	if err != nil {
		r.signOutRemote(ctx)
		return nil, err
	}

	if err := r.sessions.Save(ctx, model.Session{UserID: principal}); err != nil {
		return nil, model.NewStorageError("save session", err)
	}

	r.setState(StateAuthenticated, principal)
	r.logger.Info("サインインしました", slog.String("user_id", principal))
	return &Resolution{State: StateAuthenticated, UserID: principal, User: user}, nil
}

// Register はリモートにアカウントを作成し、そのままサインインする。
func (r *Resolver) Register(ctx context.Context, email, password, username string) (*Resolution, error) {
	registrar, ok := r.remote.(RemoteRegistrar)
	if !ok {
		return nil, fmt.Errorf("remote store does not support registration")
	}
	if _, err := registrar.Register(ctx, email, password, username); err != nil {
		return nil, err
	}
	return r.SignIn(ctx, email, password)
}

// SignOut はセッションとローカルのユーザーを破棄し、リモートの認証状態も破棄する。
// リモートに未反映の変更が残っている場合はopts.Forceが指定されない限りPENDING_MUTATIONSを返し、
// セッションは変更しない。
// opts.Everywhereの場合は先にリモートで全端末の認証を失効させ、失敗した場合はサインアウトしない。
// ローカルの破棄後のリモートのサインアウトの失敗はログに記録するのみ。
func (r *Resolver) SignOut(ctx context.Context, opts SignOutOptions) error {
	sess, err := r.sessions.Load(ctx)
	if err != nil {
		return model.NewStorageError("load session", err)
	}

	if sess != nil {
		if err := r.checkPending(ctx, sess.UserID, opts.Force); err != nil {
			return err
		}
		if opts.Everywhere {
			if err := r.revokeAll(ctx, sess.UserID); err != nil {
				return err
			}
		}
	}

	if err := r.sessions.Clear(ctx); err != nil {
		return model.NewStorageError("clear session", err)
	}
	r.setState(StateUnresolved, "")

	var errs []error
	if sess != nil {
		if err := r.users.EvictUser(ctx, sess.UserID); err != nil {
			errs = append(errs, err)
		}
	}
	r.signOutRemote(ctx)

	if sess != nil {
		r.logger.Info("サインアウトしました",
			slog.String("user_id", sess.UserID),
			slog.Bool("everywhere", opts.Everywhere),
		)
	}
	return errors.Join(errs...)
}

// checkPending はリモートに未反映の変更が残っていないかを確認する。
func (r *Resolver) checkPending(ctx context.Context, uid string, force bool) error {
	counter, ok := r.users.(PendingCounter)
	if !ok {
		return nil
	}
	n, err := counter.PendingCount(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if !force {
		r.logger.Warn("未反映の変更が残っているためサインアウトを中止しました",
			slog.String("user_id", uid),
			slog.Int("pending", n),
		)
		return model.NewPendingMutationsError(n)
	}
	r.logger.Warn("未反映の変更を残したままサインアウトします",
		slog.String("user_id", uid),
		slog.Int("pending", n),
	)
	return nil
}

// revokeAll はリモートでユーザーの全端末の認証を失効させる。
func (r *Resolver) revokeAll(ctx context.Context, uid string) error {
	revoker, ok := r.remote.(RemoteRevoker)
	if !ok {
		return model.NewRemoteRejectedError("全端末からのサインアウトに対応していません", nil)
	}
	if err := revoker.RevokeAll(ctx, uid); err != nil {
		r.logger.Warn("全端末の認証を失効できませんでした",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (r *Resolver) signOutRemote(ctx context.Context) {
	so, ok := r.remote.(RemoteSignOuter)
	if !ok {
		return
	}
	if err := so.SignOut(ctx); err != nil {
		r.logger.Warn("リモートのサインアウトに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
