package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sneh-joshi/vsmbus/pkg/client"
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

type rootFlags struct {
	server  string
	apiKey  string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "vsmctl",
		Short:         "Command-line client for the vsmbus message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.server, "server", envOr("VSMBUS_SERVER", "http://localhost:8080"), "vsmbus base URL")
	root.PersistentFlags().StringVar(&f.apiKey, "api-key", os.Getenv("VSMBUS_AUTH_API_KEY"), "API key sent as X-Api-Key")
	root.PersistentFlags().DurationVar(&f.timeout, "timeout", 30*time.Second, "per-request timeout")
	root.PersistentFlags().BoolVar(&f.json, "json", false, "print raw JSON")

	root.AddCommand(
		newSendCmd(f),
		newRouteCmd(f),
		newEmitCmd(f),
		newSignalsCmd(f),
		newAckCmd(f),
		newStormsCmd(f),
		newRateCmd(f),
		newEndpointsCmd(f),
		newAuditCmd(f),
		newDLQCmd(f),
		newListenCmd(f),
		newHealthCmd(f),
	)
	return root
}

func (f *rootFlags) client() *client.Client {
	opts := []client.Option{client.WithTimeout(f.timeout)}
	if f.apiKey != "" {
		opts = append(opts, client.WithAPIKey(f.apiKey))
	}
	return client.New(f.server, opts...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// =============================================================================
// MESSAGES
// =============================================================================

type messageFlags struct {
	from, to, channel, typ string
	payload                string
	meta                   []string
}

func (m *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&m.from, "from", "", "sending endpoint")
	cmd.Flags().StringVar(&m.to, "to", "", "target endpoint")
	cmd.Flags().StringVar(&m.channel, "channel", client.ChannelCommand, "command|coordination|audit|resource_bargain|algedonic")
	cmd.Flags().StringVar(&m.typ, "type", "", "message type")
	cmd.Flags().StringVar(&m.payload, "payload", "", "JSON object payload")
	cmd.Flags().StringArrayVar(&m.meta, "meta", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("type")
}

func (m *messageFlags) message() (client.Message, error) {
	msg := client.Message{From: m.from, To: m.to, Channel: m.channel, Type: m.typ}
	if m.payload != "" {
		if err := json.Unmarshal([]byte(m.payload), &msg.Payload); err != nil {
			return msg, fmt.Errorf("--payload: %w", err)
		}
	}
	meta, err := parsePairs(m.meta)
	if err != nil {
		return msg, fmt.Errorf("--meta: %w", err)
	}
	msg.Metadata = meta
	return msg, nil
}

func newSendCmd(f *rootFlags) *cobra.Command {
	m := &messageFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Validate, route and deliver a message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := m.message()
			if err != nil {
				return err
			}
			res, err := f.client().Send(cmd.Context(), msg)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "message %s on %s\n", res.MessageID, res.Channel)
			for _, d := range res.Delivered {
				fmt.Fprintf(out, "  delivered  %s\n", d)
			}
			for _, ep := range sortedKeys(res.Failed) {
				fmt.Fprintf(out, "  failed     %s: %s\n", ep, res.Failed[ep])
			}
			if res.RateRemaining != nil {
				fmt.Fprintf(out, "rate budget remaining: %d\n", *res.RateRemaining)
			}
			return nil
		},
	}
	m.register(cmd)
	return cmd
}

func newRouteCmd(f *rootFlags) *cobra.Command {
	m := &messageFlags{}
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show where a message would be routed without delivering it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := m.message()
			if err != nil {
				return err
			}
			dests, err := f.client().Route(cmd.Context(), msg)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), dests)
			}
			tw := newTable(cmd.OutOrStdout(), "ENDPOINT", "STRATEGY", "PATH")
			for _, d := range dests {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Endpoint, d.Strategy, strings.Join(d.Path, " > "))
			}
			return tw.Flush()
		},
	}
	m.register(cmd)
	return cmd
}

// =============================================================================
// SIGNALS
// =============================================================================

func newEmitCmd(f *rootFlags) *cobra.Command {
	var (
		req      client.SignalRequest
		metrics  []string
		ctxPairs []string
	)
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Raise an algedonic signal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.Metrics, err = parseMetrics(metrics); err != nil {
				return fmt.Errorf("--metric: %w", err)
			}
			if req.Context, err = parsePairs(ctxPairs); err != nil {
				return fmt.Errorf("--context: %w", err)
			}
			res, err := f.client().Emit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			switch {
			case res.Suppressed:
				fmt.Fprintf(out, "signal suppressed by %s storm, folded into %s (%d so far)\n",
					res.Storm.Kind, res.SignalID, res.AggregatedCount)
			default:
				fmt.Fprintf(out, "signal %s %s via %s\n", res.SignalID, res.State, strings.Join(res.Path, " > "))
				if res.TimerArmed {
					fmt.Fprintf(out, "acknowledge before %s\n", res.AckDeadline.Format(time.RFC3339))
				}
				if res.FailSafe {
					fmt.Fprintln(out, "no destination reachable: fail-safe alert raised")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Source, "source", "", "emitting endpoint")
	cmd.Flags().StringVar(&req.Severity, "severity", "", "critical|high|medium|low")
	cmd.Flags().StringVar(&req.Description, "description", "", "what is wrong")
	cmd.Flags().StringVar(&req.Kind, "kind", "", "pain|pleasure (default pain)")
	cmd.Flags().StringArrayVar(&metrics, "metric", nil, "metric name=value (repeatable)")
	cmd.Flags().StringArrayVar(&ctxPairs, "context", nil, "context key=value (repeatable)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("severity")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func newSignalsCmd(f *rootFlags) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "signals [id]",
		Short: "List live signals, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := f.client()
			if len(args) == 1 {
				sig, err := c.Signal(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sig)
			}
			sigs, err := c.Signals(cmd.Context(), state)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), sigs)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "SEVERITY", "STATE", "SOURCE", "DESCRIPTION")
			for _, s := range sigs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Severity, s.State, s.Source, s.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	return cmd
}

func newAckCmd(f *rootFlags) *cobra.Command {
	var (
		req client.AckRequest
		eta time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ack <signal-id>",
		Short: "Acknowledge a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if eta > 0 {
				t := time.Now().Add(eta).UTC()
				req.EstimatedResolution = &t
			}
			res, err := f.client().Acknowledge(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if !res.Applied {
				fmt.Fprintf(cmd.OutOrStdout(), "not applied (%s): %s\n", res.Reason, res.Error)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", res.SignalID, res.Previous, res.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", "received", "received|investigating|responding|resolved|escalated|false_alarm")
	cmd.Flags().StringVar(&req.Acknowledger, "as", "", "acknowledging endpoint")
	cmd.Flags().DurationVar(&eta, "eta", 0, "estimated time to resolution")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func newStormsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "storms",
		Short: "List active signal storms",
		RunE: func(cmd *cobra.Command, _ []string) error {
			storms, err := f.client().Storms(cmd.Context())
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), storms)
			}
			tw := newTable(cmd.OutOrStdout(), "KIND", "KEY", "AGGREGATE", "COUNT", "TOTAL", "STARTED")
			for _, s := range storms {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					s.Storm.Kind, s.Storm.Key, s.AggregateID, s.Count, s.Total, s.Started.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

// =============================================================================
// RATE LIMIT
// =============================================================================

func newRateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ratelimit <subsystem> <identifier>",
		Short: "Consume one token from a subsystem's rate budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := f.client().CheckRate(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), rc)
			}
			if !rc.Allowed {
				fmt.Fprintf(cmd.OutOrStdout(), "rejected, retry after %s\n", rc.RetryAfter)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "allowed, %d remaining\n", rc.Remaining)
			return nil
		},
	}
}

// =============================================================================
// ENDPOINTS
// =============================================================================

func newEndpointsCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List, register and remove endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eps, err := f.client().Endpoints(cmd.Context())
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), eps)
			}
			tw := newTable(cmd.OutOrStdout(), "NAME", "CLASS", "PARENT", "CAPABILITIES", "ORIGIN", "WEBHOOK")
			for _, e := range eps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Name, e.Class, e.Parent, strings.Join(e.Capabilities, ","), e.Origin, e.WebhookURL)
			}
			return tw.Flush()
		},
	}

	var spec client.EndpointSpec
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Register an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Name = args[0]
			ep, err := f.client().RegisterEndpoint(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), ep)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", ep.Name, ep.Class)
			return nil
		},
	}
	add.Flags().StringVar(&spec.Class, "class", "", "operational|coordination|control|intelligence|policy|team")
	add.Flags().StringVar(&spec.Parent, "parent", "", "command-hierarchy parent")
	add.Flags().StringSliceVar(&spec.Capabilities, "cap", nil, "capabilities (audit, algedonic)")
	add.Flags().StringVar(&spec.WebhookURL, "webhook", "", "delivery webhook URL")
	add.Flags().StringVar(&spec.Secret, "secret", "", "webhook signing secret")

	rm := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a runtime-registered endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.client().DeregisterEndpoint(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, rm)
	return cmd
}

// =============================================================================
// AUDIT
// =============================================================================

func newAuditCmd(f *rootFlags) *cobra.Command {
	var (
		limit    int
		prefix   string
		signalID string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit trail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := f.client()
			var (
				evs []client.AuditEvent
				err error
			)
			if signalID != "" {
				evs, err = c.SignalHistory(cmd.Context(), signalID)
			} else {
				evs, err = c.AuditEvents(cmd.Context(), limit, prefix)
			}
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), evs)
			}
			tw := newTable(cmd.OutOrStdout(), "SEQ", "TIME", "EVENT", "METADATA")
			for _, ev := range evs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Seq, ev.Time.Format(time.RFC3339), ev.Name, formatPairs(ev.Metadata))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "newest events to show")
	cmd.Flags().StringVar(&prefix, "prefix", "", "event name prefix, e.g. vsm.algedonic")
	cmd.Flags().StringVar(&signalID, "signal", "", "show the history of one signal")
	return cmd
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

func newDLQCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq [endpoint]",
		Short: "Show dead-letter counts, or the dead letters of one endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := f.client()
			if len(args) == 0 {
				counts, err := c.DeadLetterCounts(cmd.Context())
				if err != nil {
					return err
				}
				if f.json {
					return printJSON(cmd.OutOrStdout(), counts)
				}
				tw := newTable(cmd.OutOrStdout(), "ENDPOINT", "COUNT")
				for _, ep := range sortedKeys(counts) {
					fmt.Fprintf(tw, "%s\t%d\n", ep, counts[ep])
				}
				return tw.Flush()
			}
			dls, err := c.DeadLetters(cmd.Context(), args[0], 100)
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), dls)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "MESSAGE", "ATTEMPTS", "FAILED", "REASON")
			for _, d := range dls {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", d.ID, d.Message.ID, d.Attempts, d.FailedAt.Format(time.RFC3339), d.Reason)
			}
			return tw.Flush()
		},
	}

	var limit int
	replay := &cobra.Command{
		Use:   "replay <endpoint>",
		Short: "Redeliver dead letters, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			replayed, remaining, err := f.client().ReplayDeadLetters(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, %d remaining\n", replayed, remaining)
			return nil
		},
	}
	replay.Flags().IntVar(&limit, "limit", 0, "maximum to replay (0 = all)")

	cmd.AddCommand(replay)
	return cmd
}

// =============================================================================
// PUSH SESSION
// =============================================================================

func newListenCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <endpoint>",
		Short: "Claim an endpoint and print every message pushed to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err := f.client().Listen(ctx, args[0], func(_ context.Context, m client.Message) {
				_ = enc.Encode(m)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newHealthCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := f.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if f.json {
				return printJSON(cmd.OutOrStdout(), h)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s node=%s endpoints=%d signals=%d storms=%d uptime=%s\n",
				h.Status, h.NodeID, h.Endpoints, h.Signals, h.Storms, h.Uptime)
			return nil
		},
	}
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

// parsePairs parses key=value arguments.
func parsePairs(in []string) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for _, kv := range in {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

func parseMetrics(in []string) (map[string]float64, error) {
	pairs, err := parsePairs(in)
	if err != nil || pairs == nil {
		return nil, err
	}
	out := make(map[string]float64, len(pairs))
	for k, v := range pairs {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", k, v)
		}
		out[k] = f
	}
	return out, nil
}

func formatPairs(m map[string]string) string {
	keys := sortedKeys(m)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
