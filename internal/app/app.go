// Package app wires the agent daemon: SIP stack, media, telephony client,
// event publishers and the control surfaces.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sebas/agentline/internal/api"
	"github.com/sebas/agentline/internal/config"
	"github.com/sebas/agentline/internal/events"
	"github.com/sebas/agentline/internal/media"
	"github.com/sebas/agentline/internal/metrics"
	"github.com/sebas/agentline/internal/sipstack"
	"github.com/sebas/agentline/internal/telephony"
	"golang.org/x/sync/errgroup"
)

// Agent is one running agent line.
type Agent struct {
	cfg       *config.Config
	stack     *sipstack.Stack
	client    *telephony.Client
	journal   *events.Journal
	publisher events.Publisher
	detach    func()
	health    *api.Health
	apiServer *api.Server
}

func New(cfg *config.Config) (*Agent, error) {
	stackCfg := sipstack.Config{
		BindHost:          cfg.BindHost,
		BindPort:          cfg.BindPort,
		PublicHost:        cfg.PublicHost,
		KeepaliveInterval: cfg.KeepaliveInterval,
	}
	if cfg.KeepaliveInterval == 0 {
		stackCfg.KeepaliveInterval = -1
	}
	if cfg.InsecureTLS {
		stackCfg.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	stack := sipstack.New(stackCfg)

	factory, err := media.NewFactory(media.Config{
		IncludeLoopback: cfg.IncludeLoopback,
		UDPPortMin:      uint16(cfg.UDPPortMin),
		UDPPortMax:      uint16(cfg.UDPPortMax),
		OnTone: func(key rune) {
			slog.Info("[Media] DTMF received", "key", string(key))
		},
		OnClose: func(st media.Stats) {
			metrics.ObserveMedia(st.PacketsSent, st.PacketsReceived, st.PacketsLost)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create media factory: %w", err)
	}

	client, err := telephony.NewClient(cfg.Line, telephony.Options{
		Transport:          stack,
		Media:              factory,
		ICEServers:         cfg.ICEServers,
		RingTimeout:        cfg.RingTimeout,
		TransferTimeout:    cfg.TransferTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		stack:   stack,
		client:  client,
		journal: events.NewJournal(cfg.JournalSize),
	}

	publishers := []events.Publisher{events.NewLoggingPublisher(nil), a.journal, metrics.Publisher{}}
	if cfg.HealthAddr != "" {
		a.health = api.NewHealth(cfg.HealthAddr)
		publishers = append(publishers, a.health)
	}
	if cfg.APIAddr != "" {
		a.apiServer = api.NewServer(cfg.APIAddr, client, a.journal, cfg.APIRate)
		publishers = append(publishers, a.apiServer.Stream())
	}
	a.publisher = events.NewMultiPublisher(publishers...)
	a.detach = events.Attach(client.Notifier(), cfg.Line.User(), a.publisher)
	return a, nil
}

// Client exposes the telephony client.
func (a *Agent) Client() *telephony.Client { return a.client }

// Run connects the line, optionally joins the queue, and serves the control
// surfaces until ctx is canceled or one of them fails.
func (a *Agent) Run(ctx context.Context) error {
	state, err := a.client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.cfg.Line.TransportEndpoint, err)
	}
	slog.Info("[Agent] Line connected", "state", state, "endpoint", a.cfg.Line.TransportEndpoint)

	if a.cfg.AutoJoin {
		if err := a.client.JoinQueue(ctx); err != nil {
			// the API can retry the join
			slog.Error("[Agent] Initial queue join failed", "error", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.ICEFile != "" {
		w := config.NewICEWatcher(a.cfg.ICEFile, a.client.UpdateICEServers)
		if err := w.Start(ctx); err != nil {
			slog.Warn("[Agent] ICE file watch disabled", "error", err)
		} else {
			g.Go(func() error {
				<-ctx.Done()
				w.Stop()
				return nil
			})
		}
	}
	if a.apiServer != nil {
		g.Go(func() error { return a.apiServer.Run(ctx) })
	}
	if a.health != nil {
		g.Go(func() error { return a.health.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close ends calls, leaves the queue and releases the transport. Publishers
// stay attached until the client has emitted its final events.
func (a *Agent) Close() error {
	err := a.client.Close()
	a.detach()
	return errors.Join(err, a.publisher.Close())
}
