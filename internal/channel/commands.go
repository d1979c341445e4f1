package channel

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mirage/internal/auth"
	"mirage/internal/browser"
	"mirage/internal/extract"
	"mirage/internal/reconcile"
	"mirage/internal/session"
)

// execute dispatches a single command. Every path returns exactly one reply;
// a failed automation step fails only its own command and the drain loop
// moves on.
func (c *conn) execute(cmd Command) Reply {
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	switch cmd.Action {
	case "authenticate":
		return c.authenticate(cmd)
	case "navigate":
		return c.navigate(ctx, cmd)
	case "send_message":
		return c.sendMessage(ctx, cmd)
	case "get_messages":
		return c.getMessages(ctx, cmd)
	case "get_generation_progress":
		return c.getProgress(ctx, cmd)
	case "get_video_url":
		return c.getVideoURL(ctx, cmd)
	case "initial_load":
		return c.initialLoad(ctx, cmd)
	case "logout":
		return c.logout(cmd)
	default:
		return Reply{Action: cmd.Action, ID: cmd.ID, Success: false, Error: "unknown action"}
	}
}

// authenticate binds the connection to a verified identity. An anonymous
// session already in progress is re-keyed, not recreated, so in-flight work
// survives the transition. Switching between two authenticated identities
// only re-binds the connection: each identity keeps its own session, so one
// caller can never carry a credentialed browsing context to another key.
func (c *conn) authenticate(cmd Command) Reply {
	identity, err := c.handler.verifier.Verify(cmd.Token)
	if err != nil {
		c.handler.logger.Warn("authentication failed",
			zap.String("conn", c.id), zap.Error(err))
		return Reply{Type: "authentication_failed", ID: cmd.ID, Success: false, Error: err.Error()}
	}

	previous := c.identity
	c.identity = identity
	if previous != identity && previous.IsAnonymous() {
		c.handler.registry.Rekey(previous, identity)
	}

	c.handler.logger.Info("channel authenticated",
		zap.String("conn", c.id), zap.String("identity", string(identity)))
	return Reply{Type: "authenticated", ID: cmd.ID, Success: true, Identity: string(identity)}
}

func (c *conn) acquire(ctx context.Context) (*session.Session, error) {
	return c.handler.registry.Acquire(ctx, c.identity)
}

func (c *conn) navigate(ctx context.Context, cmd Command) Reply {
	if cmd.URL == "" {
		return Reply{Action: cmd.Action, ID: cmd.ID, Success: false, Error: "url required"}
	}

	sess, err := c.acquire(ctx)
	if err != nil {
		return c.failure(cmd, err)
	}

	target := c.handler.resolveTarget(cmd.URL)
	var messages []reconcile.Entry
	err = sess.Run(ctx, func(a browser.Automation) error {
		if err := a.Navigate(ctx, target); err != nil {
			return err
		}
		c.sampleAndMerge(ctx, sess, a)
		messages = sess.Transcript().Entries()
		return nil
	})
	if err != nil {
		return c.failure(cmd, err)
	}
	return Reply{Action: cmd.Action, ID: cmd.ID, Success: true, URL: target, Messages: messages}
}

func (c *conn) sendMessage(ctx context.Context, cmd Command) Reply {
	if cmd.Message == "" {
		return Reply{Action: cmd.Action, ID: cmd.ID, Success: false, Error: "message required"}
	}

	sess, err := c.acquire(ctx)
	if err != nil {
		return c.failure(cmd, err)
	}

	sel := c.handler.sel
	err = sess.Run(ctx, func(a browser.Automation) error {
		if err := a.Input(ctx, sel.Composer, cmd.Message); err != nil {
			return err
		}
		if err := a.Click(ctx, sel.SendButton); err != nil {
			return err
		}
		c.sampleAndMerge(ctx, sess, a)
		return nil
	})
	if err != nil {
		return c.failure(cmd, err)
	}
	return Reply{Action: cmd.Action, ID: cmd.ID, Success: true}
}

func (c *conn) getMessages(ctx context.Context, cmd Command) Reply {
	sess, err := c.acquire(ctx)
	if err != nil {
		return c.failure(cmd, err)
	}

	var delta reconcile.Delta
	_ = sess.Run(ctx, func(a browser.Automation) error {
		delta = c.sampleAndMerge(ctx, sess, a)
		return nil
	})
	// Extraction failures degrade to "no new data"; the consumer polls again.
	return Reply{
		Action:   cmd.Action,
		ID:       cmd.ID,
		Success:  true,
		Messages: sess.Transcript().Entries(),
		Delta:    &delta,
	}
}

func (c *conn) getProgress(ctx context.Context, cmd Command) Reply {
	sess, err := c.acquire(ctx)
	if err != nil {
		return c.failure(cmd, err)
	}

	progress := &extract.Progress{}
	_ = sess.Run(ctx, func(a browser.Automation) error {
		p, err := c.handler.sampler.SampleProgress(ctx, a)
		if err != nil {
			c.handler.logger.Debug("progress sample failed", zap.Error(err))
			return nil
		}
		progress = p
		return nil
	})
	return Reply{Action: cmd.Action, ID: cmd.ID, Success: true, Data: progress}
}

func (c *conn) getVideoURL(ctx context.Context, cmd Command) Reply {
	sess, err := c.acquire(ctx)
	if err != nil {
		return c.failure(cmd, err)
	}

	var resolved *extract.ResolvedVideo
	err = sess.Run(ctx, func(a browser.Automation) error {
		r, err := c.handler.sampler.ResolveVideo(ctx, a, -1)
		if err != nil {
			return err
		}
		resolved = r
		return nil
	})
	if err != nil {
		return c.failure(cmd, err)
	}

	sess.Transcript().AttachResolved(resolved)
	return Reply{Action: cmd.Action, ID: cmd.ID, Success: true, Data: resolved}
}

// initialLoad performs the one-shot full resync on first attach: sample,
// merge, then resolve every outstanding placeholder.
func (c *conn) initialLoad(ctx context.Context, cmd Command) Reply {
	sess, err := c.acquire(ctx)
	if err != nil {
		return c.failure(cmd, err)
	}

	err = sess.Run(ctx, func(a browser.Automation) error {
		c.sampleAndMerge(ctx, sess, a)

		for _, cardIndex := range sess.Transcript().UnresolvedPlaceholders() {
			resolved, err := c.handler.sampler.ResolveVideo(ctx, a, cardIndex)
			if err != nil {
				c.handler.logger.Warn("initial load: placeholder resolution failed",
					zap.Int("card", cardIndex), zap.Error(err))
				continue
			}
			sess.Transcript().AttachResolved(resolved)
		}
		return nil
	})
	if err != nil {
		return c.failure(cmd, err)
	}
	return Reply{Action: cmd.Action, ID: cmd.ID, Success: true, Messages: sess.Transcript().Entries()}
}

func (c *conn) logout(cmd Command) Reply {
	err := c.handler.registry.Release(c.identity)
	if err != nil && !errors.Is(err, session.ErrNoSession) {
		return c.failure(cmd, err)
	}
	c.identity = auth.Anonymous
	return Reply{Action: cmd.Action, ID: cmd.ID, Success: true}
}

// sampleAndMerge runs one extraction pass and folds it into the session
// transcript. Failures are logged and degrade to an empty delta.
func (c *conn) sampleAndMerge(ctx context.Context, sess *session.Session, a browser.Automation) reconcile.Delta {
	snap, err := c.handler.sampler.Sample(ctx, a)
	if err != nil {
		c.handler.logger.Debug("sample failed", zap.String("conn", c.id), zap.Error(err))
		return reconcile.Delta{}
	}
	return sess.Transcript().Merge(snap)
}

func (c *conn) failure(cmd Command, err error) Reply {
	c.handler.logger.Warn("command failed",
		zap.String("conn", c.id), zap.String("action", cmd.Action), zap.Error(err))
	return Reply{Action: cmd.Action, ID: cmd.ID, Success: false, Error: err.Error()}
}
