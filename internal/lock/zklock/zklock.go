// Package zklock implements lock.Backend on ZooKeeper.
//
// Each attempt creates a protected ephemeral sequential node under the key's
// directory and keeps it only if it has the lowest sequence number. Ephemeral
// nodes vanish with the session, which covers crashed holders; the lease is
// enforced by a local timer that deletes the node when it fires.
package zklock

import (
	"context"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/xenking/stockguard/internal/lock"
)

const (
	nodePrefix = "lock-"
	seqLen     = 10
)

var _ lock.Backend = (*Backend)(nil)

// Backend stores leases in ZooKeeper.
type Backend struct {
	conn *zk.Conn
	root string
	acl  []zk.ACL
	lg   *zap.Logger

	mu   sync.Mutex
	held map[string]*lease
}

type lease struct {
	token string
	node  string
	timer *time.Timer
}

// Dial connects to the ensemble.
func Dial(servers []string, sessionTimeout time.Duration, lg *zap.Logger) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zap.NewStdLog(lg.Named("zk"))))
	if err != nil {
		return nil, errors.Wrap(err, "connect zookeeper")
	}
	return conn, nil
}

// New returns a Backend keeping lock directories under root.
func New(conn *zk.Conn, root string, lg *zap.Logger) (*Backend, error) {
	b := &Backend{
		conn: conn,
		root: strings.TrimRight(root, "/"),
		acl:  zk.WorldACL(zk.PermAll),
		lg:   lg,
		held: make(map[string]*lease),
	}
	if err := b.ensure(b.root); err != nil {
		return nil, err
	}
	return b, nil
}

// ensure creates path and any missing parents as persistent nodes.
func (b *Backend) ensure(path string) error {
	for i := 1; i <= len(path); i++ {
		if i < len(path) && path[i] != '/' {
			continue
		}
		if err := b.create(path[:i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) create(path string) error {
	_, err := b.conn.Create(path, nil, 0, b.acl)
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "create %s", path)
	}
	return nil
}

func (b *Backend) dir(key string) string {
	return b.root + "/" + url.PathEscape(key)
}

// lowest returns the child name with the smallest sequence number.
func (b *Backend) lowest(dir string) (string, error) {
	children, _, err := b.conn.Children(dir)
	if errors.Is(err, zk.ErrNoNode) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "children %s", dir)
	}
	if len(children) == 0 {
		return "", nil
	}
	return SortBySequence(children)[0], nil
}

func (b *Backend) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir := b.dir(key)
	if err := b.create(dir); err != nil {
		return false, err
	}

	node, err := b.conn.CreateProtectedEphemeralSequential(dir+"/"+nodePrefix, []byte(token), b.acl)
	if err != nil {
		return false, errors.Wrap(err, "create sequential node")
	}
	first, err := b.lowest(dir)
	if err != nil {
		b.deleteNode(node)
		return false, err
	}
	if dir+"/"+first != node {
		b.deleteNode(node)
		return false, nil
	}

	l := &lease{token: token, node: node}
	l.timer = time.AfterFunc(ttl, func() { b.expire(key, l) })

	b.mu.Lock()
	b.held[key] = l
	b.mu.Unlock()
	return true, nil
}

func (b *Backend) expire(key string, l *lease) {
	b.mu.Lock()
	if b.held[key] == l {
		delete(b.held, key)
	}
	b.mu.Unlock()
	b.deleteNode(l.node)
	b.lg.Debug("Lease expired", zap.String("key", key))
}

func (b *Backend) Release(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	l, ok := b.held[key]
	if !ok || l.token != token {
		b.mu.Unlock()
		return false, nil
	}
	delete(b.held, key)
	b.mu.Unlock()

	l.timer.Stop()
	if err := b.conn.Delete(l.node, -1); err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return false, nil
		}
		return false, errors.Wrapf(err, "delete %s", l.node)
	}
	return true, nil
}

func (b *Backend) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.held[key]
	if !ok || l.token != token {
		return false, nil
	}
	exists, _, err := b.conn.Exists(l.node)
	if err != nil {
		return false, errors.Wrapf(err, "exists %s", l.node)
	}
	if !exists {
		delete(b.held, key)
		return false, nil
	}
	l.timer.Reset(ttl)
	return true, nil
}

func (b *Backend) Owner(_ context.Context, key string) (string, error) {
	dir := b.dir(key)
	first, err := b.lowest(dir)
	if err != nil || first == "" {
		return "", err
	}
	data, _, err := b.conn.Get(dir + "/" + first)
	if errors.Is(err, zk.ErrNoNode) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get %s", first)
	}
	return string(data), nil
}

func (b *Backend) deleteNode(node string) {
	if err := b.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		b.lg.Warn("Failed to delete lock node", zap.String("node", node), zap.Error(err))
	}
}

// SortBySequence orders sequential node names by their numeric suffix.
// Protected nodes carry a random prefix, so plain string order is not enough.
func SortBySequence(children []string) []string {
	out := slices.Clone(children)
	slices.SortFunc(out, func(a, b string) int {
		return strings.Compare(sequence(a), sequence(b))
	})
	return out
}

func sequence(name string) string {
	if len(name) < seqLen {
		return name
	}
	return name[len(name)-seqLen:]
}
