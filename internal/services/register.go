package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/keymesh/internal/config"
	"github.com/dshills/keymesh/internal/node"
)

// Set is a group of queryables declared together.
type Set struct {
	Queryables []*node.Queryable
	scripts    []*Script
}

// Close undeclares the queryables, draining them, and releases scripts.
func (s *Set) Close(ctx context.Context) error {
	var errs []error
	for _, q := range s.Queryables {
		if err := q.Undeclare(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sc := range s.scripts {
		if err := sc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeclareEcho declares the echo service on key.
func DeclareEcho(ctx context.Context, n *node.Node, key string) (*node.Queryable, error) {
	return n.DeclareQueryable(ctx, key, Echo(n.Logger()))
}

// DeclareConvert declares the convert service on key.
func DeclareConvert(ctx context.Context, n *node.Node, key string) (*node.Queryable, error) {
	return n.DeclareQueryable(ctx, key, Convert(n.Logger()))
}

// DeclareScripts loads every configured script and declares it as a queryable.
// On failure everything declared so far is undone.
func DeclareScripts(ctx context.Context, n *node.Node, scripts []config.Script) (*Set, error) {
	set := &Set{}
	for _, sc := range scripts {
		script, err := LoadScript(sc.File)
		if err != nil {
			_ = set.Close(ctx)
			return nil, err
		}
		q, err := n.DeclareQueryable(ctx, sc.Key, script)
		if err != nil {
			_ = script.Close()
			_ = set.Close(ctx)
			return nil, fmt.Errorf("declaring script %s on %s: %w", sc.File, sc.Key, err)
		}
		set.Queryables = append(set.Queryables, q)
		set.scripts = append(set.scripts, script)
		logger := n.Logger()
		logger.Info().Str("key", sc.Key).Str("file", sc.File).Msg("script service declared")
	}
	return set, nil
}

// DeclareAll declares echo and convert on the client's configured keys plus
// every configured script.
func DeclareAll(ctx context.Context, n *node.Node, cfg *config.Config) (*Set, error) {
	set, err := DeclareScripts(ctx, n, cfg.Scripts)
	if err != nil {
		return nil, err
	}

	echo, err := DeclareEcho(ctx, n, cfg.Client.EchoKey)
	if err != nil {
		_ = set.Close(ctx)
		return nil, err
	}
	set.Queryables = append(set.Queryables, echo)

	convert, err := DeclareConvert(ctx, n, cfg.Client.ConvertKey)
	if err != nil {
		_ = set.Close(ctx)
		return nil, err
	}
	set.Queryables = append(set.Queryables, convert)
	return set, nil
}
