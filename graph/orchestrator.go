package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/telemetry"
	"github.com/strandlabs/strand/toolerrors"
)

type (
	// Handler executes one Handler node. It receives the merged, cloned
	// inputs delivered over the node's inbound edges and returns the
	// node's outputs.
	Handler func(ctx context.Context, nc *NodeContext) (map[string]any, error)

	// MapRouter picks a processor graph per Map item.
	MapRouter interface {
		Route(item any) (string, error)
	}

	// Predicate evaluates a FieldPredicate edge condition against the
	// source node's outputs.
	Predicate func(outputs map[string]any) bool

	// NodeContext is the execution environment handed to a handler.
	NodeContext struct {
		RunID   string
		GraphID string
		NodeID  string
		// Inputs is the node's delivered input map. Owned by the handler.
		Inputs map[string]any
		// Config is the node's static configuration. Read-only.
		Config map[string]any
		// Item is the current collection element inside a Map fan-out,
		// nil elsewhere.
		Item any
		// Bus publishes events that bubble to the run's observers.
		Bus hooks.Bus
		// Meta identifies the run for event correlation.
		Meta hooks.Meta
	}

	// NodeStatus is a node execution's terminal state.
	NodeStatus string

	// NodeResult is one execution record. Results are append-only per
	// node; back-edge re-runs add records rather than overwrite.
	NodeResult struct {
		NodeID    string
		Status    NodeStatus
		Outputs   map[string]any
		Err       error
		Severity  Severity
		Execution int
	}

	// RunResult reports a finished graph run.
	RunResult struct {
		RunID  string
		Status string
		// Results holds every execution record keyed by node id.
		Results map[string][]*NodeResult
		// Outputs merges the final outputs of the nodes feeding the exit
		// node, or of the last layer when no exit is declared.
		Outputs map[string]any
	}

	// Orchestrator executes compiled graphs. Safe for concurrent runs.
	Orchestrator struct {
		handlers    map[string]Handler
		routers     map[string]MapRouter
		processors  map[string]*Graph
		predicates  map[string]Predicate
		cache       *Cache
		parallelism int
		log         telemetry.Logger
		tracer      telemetry.Tracer
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)

	// NodeError carries an explicit severity through a handler failure.
	NodeError struct {
		Severity Severity
		Err      error
	}
)

const (
	StatusSuccess NodeStatus = "success"
	StatusFailure NodeStatus = "failure"
	StatusSkipped NodeStatus = "skipped"
)

const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

func (e *NodeError) Error() string { return e.Err.Error() }
func (e *NodeError) Unwrap() error { return e.Err }

// Fatal wraps err as a branch-terminating failure.
func Fatal(err error) error { return &NodeError{Severity: SeverityFatal, Err: err} }

// Recoverable wraps err as a node failure siblings may survive.
func Recoverable(err error) error { return &NodeError{Severity: SeverityRecoverable, Err: err} }

// Transient wraps err as retryable under the node's retry policy.
func Transient(err error) error { return &NodeError{Severity: SeverityTransient, Err: err} }

// WithHandler registers the handler invoked by nodes naming it.
func WithHandler(name string, h Handler) Option {
	return func(o *Orchestrator) { o.handlers[name] = h }
}

// WithMapRouter registers a per-item router for Map nodes.
func WithMapRouter(name string, r MapRouter) Option {
	return func(o *Orchestrator) { o.routers[name] = r }
}

// WithProcessorGraph registers a named processor graph for Map routing.
func WithProcessorGraph(name string, g *Graph) Option {
	return func(o *Orchestrator) { o.processors[name] = g }
}

// WithPredicate registers a named edge predicate.
func WithPredicate(name string, p Predicate) Option {
	return func(o *Orchestrator) { o.predicates[name] = p }
}

// WithCache installs a shared node result cache.
func WithCache(c *Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithParallelism caps concurrent node executions per layer. Default 8.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) { o.parallelism = n }
}

// WithLogger routes the orchestrator's structured logs through l.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithTracer wraps each node execution in a span created by t.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		handlers:    make(map[string]Handler),
		routers:     make(map[string]MapRouter),
		processors:  make(map[string]*Graph),
		predicates:  make(map[string]Predicate),
		parallelism: 8,
		log:         telemetry.NewClueLogger(),
		tracer:      telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run compiles and executes g with the given initial inputs. Events are
// published on a child of bus so callers observe nested runs; a nil bus
// gets a private one.
func (o *Orchestrator) Run(ctx context.Context, g *Graph, inputs map[string]any, bus hooks.Bus) (*RunResult, error) {
	compiled, err := Compile(g)
	if err != nil {
		return nil, err
	}
	if bus == nil {
		bus = hooks.NewBus()
	} else {
		bus = hooks.NewChildBus(bus)
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	runID := uuid.NewString()
	meta := hooks.Meta{SessionID: runID, AgentID: g.ID}
	run := &graphRun{
		o:          o,
		compiled:   compiled,
		bus:        bus,
		meta:       meta,
		runID:      runID,
		inputs:     inputs,
		results:    make(map[string][]*NodeResult),
		executions: make(map[string]int),
	}
	_ = bus.Publish(ctx, hooks.NewWorkflowStartedEvent(meta, g.ID, g.Name, runID))

	err = run.execute(ctx)
	status := RunCompleted
	if err != nil || run.fatal {
		status = RunFailed
	}
	_ = bus.Publish(ctx, hooks.NewWorkflowCompletedEvent(meta, g.ID, runID, status))
	o.log.Debug(ctx, "graph run finished",
		"graph_id", g.ID,
		"run_id", runID,
		"status", status)
	if err != nil {
		return nil, err
	}
	return &RunResult{
		RunID:   runID,
		Status:  status,
		Results: run.results,
		Outputs: run.exitOutputs(),
	}, nil
}

// graphRun is the mutable state of one execution.
type graphRun struct {
	o        *Orchestrator
	compiled *Compiled
	bus      hooks.Bus
	meta     hooks.Meta
	runID    string
	inputs   map[string]any

	mu         sync.Mutex
	results    map[string][]*NodeResult
	executions map[string]int
	fatal      bool
}

func (r *graphRun) execute(ctx context.Context) error {
	for i := range r.compiled.Layers {
		if err := r.runLayer(ctx, i); err != nil {
			return err
		}
	}
	return r.propagateBackEdges(ctx)
}

// propagateBackEdges re-queues back-edge targets whose conditions hold,
// re-running the affected layer range, until nothing fires or the graph
// iteration cap is reached.
func (r *graphRun) propagateBackEdges(ctx context.Context) error {
	g := r.compiled.Graph
	for iteration := 0; iteration < g.MaxIterations; iteration++ {
		from, to, fired := r.fireableRange(ctx)
		if !fired {
			return nil
		}
		for i := from; i <= to; i++ {
			if err := r.runLayer(ctx, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// fireableRange evaluates back-edges in order (longest jump first) and
// returns the layer span to re-run covering every edge that fired.
func (r *graphRun) fireableRange(ctx context.Context) (int, int, bool) {
	from, to := len(r.compiled.Layers), -1
	fired := false
	for _, be := range r.compiled.BackEdges {
		src := r.latest(be.Edge.From)
		if src == nil || src.Status != StatusSuccess {
			continue
		}
		if !r.edgeConditionHolds(be.Edge, src.Outputs) {
			continue
		}
		target := r.compiled.Graph.Nodes[be.Edge.To]
		if target.MaxExecutions > 0 && r.execCount(target.ID) >= target.MaxExecutions {
			_ = r.bus.Publish(ctx, hooks.NewWorkflowDiagnosticEvent(r.meta, r.runID, target.ID,
				"warning", fmt.Sprintf("back-edge suppressed: node %q reached max executions", target.ID)))
			continue
		}
		_ = r.bus.Publish(ctx, hooks.NewWorkflowEdgeTraversedEvent(r.meta, r.runID, be.Edge.From, be.Edge.To))
		fired = true
		tl, err := r.compiled.LayerOf(be.Edge.To)
		if err != nil {
			continue
		}
		sl, err := r.compiled.LayerOf(be.Edge.From)
		if err != nil {
			continue
		}
		if tl < from {
			from = tl
		}
		if sl > to {
			to = sl
		}
	}
	return from, to, fired
}

func (r *graphRun) runLayer(ctx context.Context, index int) error {
	layer := r.compiled.Layers[index]
	_ = r.bus.Publish(ctx, hooks.NewWorkflowLayerStartedEvent(r.meta, r.runID, index, layer))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.parallelism)
	for _, id := range layer {
		node := r.compiled.Graph.Nodes[id]
		eligible, nodeInputs, reason, err := r.admit(gctx, node)
		if err != nil {
			return err
		}
		if !eligible {
			r.record(&NodeResult{NodeID: id, Status: StatusSkipped, Execution: r.execCount(id)})
			_ = r.bus.Publish(gctx, hooks.NewWorkflowNodeSkippedEvent(r.meta, r.runID, id, reason))
			continue
		}
		g.Go(func() error {
			return r.runNode(gctx, node, nodeInputs)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	_ = r.bus.Publish(ctx, hooks.NewWorkflowLayerCompletedEvent(r.meta, r.runID, index))
	return nil
}

// admit decides whether a node runs this wave and assembles its delivered
// inputs from the inbound edges that evaluated true.
func (r *graphRun) admit(ctx context.Context, node *Node) (bool, map[string]any, string, error) {
	inbound := r.inboundWorking(node.ID)
	if len(inbound) == 0 {
		// Root of the working graph: receives the run inputs.
		cloned, err := CloneOutputs(r.inputs, r.effectivePolicy(nil))
		if err != nil {
			return false, nil, "", err
		}
		return true, cloned, "", nil
	}

	if upstream := r.upstreamConditionOf(inbound); upstream != "" {
		ok, reason := r.upstreamHolds(upstream, inbound)
		if !ok {
			return false, nil, reason, nil
		}
		inputs, err := r.deliver(ctx, node, inbound, true)
		if err != nil {
			return false, nil, "", err
		}
		return true, inputs, "", nil
	}

	inputs, err := r.deliver(ctx, node, inbound, false)
	if err != nil {
		return false, nil, "", err
	}
	if inputs == nil {
		return false, nil, "no inbound edge condition held", nil
	}
	return true, inputs, "", nil
}

// deliver merges source outputs over the admissible inbound edges. With
// aggregate true every terminated-successful source contributes; otherwise
// only edges whose source succeeded and whose condition holds do, and nil
// is returned when none qualify.
func (r *graphRun) deliver(ctx context.Context, node *Node, inbound []*Edge, aggregate bool) (map[string]any, error) {
	merged := make(map[string]any)
	delivered := false
	for _, e := range inbound {
		src := r.latest(e.From)
		if src == nil || src.Status != StatusSuccess {
			continue
		}
		if !aggregate && !r.edgeConditionHolds(e, src.Outputs) {
			continue
		}
		_ = r.bus.Publish(ctx, hooks.NewWorkflowEdgeTraversedEvent(r.meta, r.runID, e.From, e.To))
		outputs, err := CloneOutputs(src.Outputs, r.effectivePolicy(e))
		if err != nil {
			return nil, fmt.Errorf("graph %q: edge %s->%s: %w", r.compiled.Graph.ID, e.From, e.To, err)
		}
		delivered = true
		mergePorts(merged, outputs, e)
	}
	if !delivered {
		if aggregate {
			// Aggregation admitted the node without a successful upstream
			// payload (UpstreamAllDone over failures); it runs on empty
			// inputs.
			return merged, nil
		}
		return nil, nil
	}
	return merged, nil
}

func mergePorts(dst, outputs map[string]any, e *Edge) {
	if e.FromPort != "" {
		value, ok := outputs[e.FromPort]
		if !ok {
			return
		}
		key := e.FromPort
		if e.ToPort != "" {
			key = e.ToPort
		}
		dst[key] = value
		return
	}
	if e.ToPort != "" {
		dst[e.ToPort] = outputs
		return
	}
	for k, v := range outputs {
		dst[k] = v
	}
}

func (r *graphRun) effectivePolicy(e *Edge) CloningPolicy {
	if e != nil && e.Cloning != "" {
		return e.Cloning
	}
	if r.compiled.Graph.Cloning != "" {
		return r.compiled.Graph.Cloning
	}
	return CloneAlways
}

// upstreamConditionOf returns the shared aggregation type of the inbound
// edges, or empty when they carry per-edge conditions. Validation already
// rejected mixtures.
func (r *graphRun) upstreamConditionOf(inbound []*Edge) ConditionType {
	for _, e := range inbound {
		if e.Cond != nil && e.Cond.Type.upstreamCondition() {
			return e.Cond.Type
		}
	}
	return ""
}

func (r *graphRun) upstreamHolds(cond ConditionType, inbound []*Edge) (bool, string) {
	done, succeeded := 0, 0
	for _, e := range inbound {
		res := r.latest(e.From)
		if res == nil {
			continue
		}
		done++
		if res.Status == StatusSuccess {
			succeeded++
		}
	}
	switch cond {
	case CondUpstreamOneSuccess:
		if succeeded >= 1 {
			return true, ""
		}
		return false, "no upstream succeeded"
	case CondUpstreamAllDone:
		if done == len(inbound) {
			return true, ""
		}
		return false, "not all upstreams terminated"
	case CondUpstreamAllDoneOneSuccess:
		if done != len(inbound) {
			return false, "not all upstreams terminated"
		}
		if succeeded == 0 {
			return false, "all upstreams failed"
		}
		return true, ""
	}
	return false, "unknown upstream condition"
}

func (r *graphRun) edgeConditionHolds(e *Edge, outputs map[string]any) bool {
	if e.Cond == nil {
		return true
	}
	switch e.Cond.Type {
	case CondFieldEquals:
		v, ok := outputs[e.Cond.Field]
		return ok && reflect.DeepEqual(v, e.Cond.Value)
	case CondFieldExists:
		_, ok := outputs[e.Cond.Field]
		return ok
	case CondFieldPredicate:
		p, ok := r.o.predicates[e.Cond.Predicate]
		return ok && p(outputs)
	}
	// Upstream aggregations are evaluated through upstreamHolds; a back
	// edge carrying one holds only for a successful source, which the
	// caller already checked.
	return true
}

// inboundWorking lists the inbound edges whose source is a working node.
func (r *graphRun) inboundWorking(id string) []*Edge {
	var edges []*Edge
	for _, e := range r.compiled.Graph.Edges {
		if e.To != id {
			continue
		}
		src := r.compiled.Graph.Nodes[e.From]
		if src.Type == NodeStart || src.Type == NodeEnd {
			continue
		}
		edges = append(edges, e)
	}
	return edges
}

func (r *graphRun) runNode(ctx context.Context, node *Node, inputs map[string]any) error {
	execution := r.nextExecution(node.ID)
	ctx, span := r.o.tracer.Start(ctx, "graph.node",
		trace.WithAttributes(
			attribute.String("graph.id", r.compiled.Graph.ID),
			attribute.String("graph.node_id", node.ID),
			attribute.String("graph.node_type", string(node.Type)),
			attribute.Int("graph.execution", execution)))
	defer span.End()
	_ = r.bus.Publish(ctx, hooks.NewWorkflowNodeStartedEvent(r.meta, r.runID, node.ID))

	outputs, err := r.executeByType(ctx, node, inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "node execution failed")
		severity := classify(err)
		r.record(&NodeResult{NodeID: node.ID, Status: StatusFailure, Err: err, Severity: severity, Execution: execution})
		if severity == SeverityFatal {
			r.markFatal()
		}
		_ = r.bus.Publish(ctx, hooks.NewWorkflowNodeCompletedEvent(r.meta, r.runID, node.ID, string(StatusFailure), err.Error()))
		// A failure caused by run-level cancellation aborts the layer;
		// node-local failures (including node timeouts) stay local.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		return nil
	}
	span.SetStatus(codes.Ok, "")
	r.record(&NodeResult{NodeID: node.ID, Status: StatusSuccess, Outputs: outputs, Execution: execution})
	_ = r.bus.Publish(ctx, hooks.NewWorkflowNodeCompletedEvent(r.meta, r.runID, node.ID, string(StatusSuccess), ""))
	return nil
}

func (r *graphRun) executeByType(ctx context.Context, node *Node, inputs map[string]any) (map[string]any, error) {
	switch node.Type {
	case NodeHandler:
		return r.runHandler(ctx, node, inputs, nil)
	case NodeRouter:
		// Control flow only: outputs mirror inputs so outgoing edge
		// conditions can route on them.
		return inputs, nil
	case NodeSubGraph:
		sub, err := r.o.Run(ctx, node.SubGraph, inputs, r.bus)
		if err != nil {
			return nil, err
		}
		if sub.Status != RunCompleted {
			return nil, Recoverable(fmt.Errorf("subgraph %q failed", node.SubGraph.ID))
		}
		return sub.Outputs, nil
	case NodeMap:
		return r.runMap(ctx, node, inputs)
	default:
		return nil, Fatal(fmt.Errorf("node %q: type %q is not executable", node.ID, node.Type))
	}
}

// runHandler invokes the node's registered handler under its cache, retry
// policy, and timeout.
func (r *graphRun) runHandler(ctx context.Context, node *Node, inputs map[string]any, item any) (map[string]any, error) {
	h, ok := r.o.handlers[node.HandlerName]
	if !ok {
		return nil, Fatal(fmt.Errorf("node %q: no handler registered as %q", node.ID, node.HandlerName))
	}

	var cacheKey string
	if node.Cache != nil && r.o.cache != nil {
		key, err := Fingerprint(node, inputs)
		if err != nil {
			return nil, Recoverable(err)
		}
		cacheKey = key
		if outputs, hit := r.o.cache.Get(cacheKey); hit {
			_ = r.bus.Publish(ctx, hooks.NewWorkflowDiagnosticEvent(r.meta, r.runID, node.ID, "info", "cache hit"))
			return outputs, nil
		}
	}

	attempts := 1
	base, maxDelay := 250*time.Millisecond, 5*time.Second
	if node.Retry != nil && node.Retry.MaxAttempts > 1 {
		attempts = node.Retry.MaxAttempts
		if node.Retry.BaseDelay > 0 {
			base = node.Retry.BaseDelay
		}
		if node.Retry.MaxDelay > 0 {
			maxDelay = node.Retry.MaxDelay
		}
	}

	var outputs map[string]any
	var err error
	delay := base
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			_ = r.bus.Publish(ctx, hooks.NewWorkflowDiagnosticEvent(r.meta, r.runID, node.ID,
				"info", fmt.Sprintf("retrying after transient failure (attempt %d)", attempt+1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
		outputs, err = r.invoke(ctx, node, h, inputs, item)
		if err == nil {
			break
		}
		if classify(err) != SeverityTransient {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		r.o.cache.Put(cacheKey, outputs, node.Cache.TTL)
	}
	return outputs, nil
}

func (r *graphRun) invoke(ctx context.Context, node *Node, h Handler, inputs map[string]any, item any) (map[string]any, error) {
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}
	return h(ctx, &NodeContext{
		RunID:   r.runID,
		GraphID: r.compiled.Graph.ID,
		NodeID:  node.ID,
		Inputs:  inputs,
		Config:  node.Config,
		Item:    item,
		Bus:     r.bus,
		Meta:    r.meta,
	})
}

// runMap fans out over the node's collection input, routing each item to a
// processor graph and executing the processors in parallel. InputBuffer
// caps concurrent in-flight items.
func (r *graphRun) runMap(ctx context.Context, node *Node, inputs map[string]any) (map[string]any, error) {
	key := node.ItemsKey
	if key == "" {
		key = "items"
	}
	items, err := collectionAt(inputs, key)
	if err != nil {
		return nil, Recoverable(fmt.Errorf("map node %q: %w", node.ID, err))
	}

	results := make([]any, len(items))
	g, gctx := errgroup.WithContext(ctx)
	limit := r.o.parallelism
	if node.InputBuffer > 0 && node.InputBuffer < limit {
		limit = node.InputBuffer
	}
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			processor, err := r.routeItem(node, item)
			if err != nil {
				return err
			}
			sub, err := r.o.Run(gctx, processor, map[string]any{"item": item}, r.bus)
			if err != nil {
				return err
			}
			if sub.Status != RunCompleted {
				return Recoverable(fmt.Errorf("map node %q: processor %q failed for item %d", node.ID, processor.ID, i))
			}
			results[i] = sub.Outputs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

// routeItem resolves the processor graph for one item: a registered graph
// name routes statically, a registered MapRouter picks per item.
func (r *graphRun) routeItem(node *Node, item any) (*Graph, error) {
	if g, ok := r.o.processors[node.RouterName]; ok {
		return g, nil
	}
	router, ok := r.o.routers[node.RouterName]
	if !ok {
		return nil, Fatal(fmt.Errorf("map node %q: no processor graph or router registered as %q", node.ID, node.RouterName))
	}
	name, err := router.Route(item)
	if err != nil {
		return nil, Recoverable(fmt.Errorf("map node %q: route item: %w", node.ID, err))
	}
	g, ok := r.o.processors[name]
	if !ok {
		return nil, Fatal(fmt.Errorf("map node %q: router selected unknown processor %q", node.ID, name))
	}
	return g, nil
}

func collectionAt(inputs map[string]any, key string) ([]any, error) {
	raw, ok := inputs[key]
	if !ok {
		return nil, fmt.Errorf("input %q is missing", key)
	}
	if items, ok := raw.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("input %q is not a collection", key)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

// classify maps an error to its severity: explicit NodeError wins, then
// context and tool-error transience, defaulting to recoverable.
func classify(err error) Severity {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Severity
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return SeverityTransient
	}
	var te *toolerrors.ToolError
	if errors.As(err, &te) && te.Transient() {
		return SeverityTransient
	}
	return SeverityRecoverable
}

func (r *graphRun) record(res *NodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.NodeID] = append(r.results[res.NodeID], res)
}

func (r *graphRun) latest(id string) *NodeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.results[id]
	if len(records) == 0 {
		return nil
	}
	return records[len(records)-1]
}

func (r *graphRun) execCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executions[id]
}

func (r *graphRun) nextExecution(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[id]++
	return r.executions[id]
}

func (r *graphRun) markFatal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = true
}

// exitOutputs merges the final outputs of the nodes feeding the declared
// exit node, falling back to the last layer when no exit exists.
func (r *graphRun) exitOutputs() map[string]any {
	g := r.compiled.Graph
	var feeders []string
	if g.Exit != "" {
		for _, e := range g.Edges {
			if e.To == g.Exit {
				feeders = append(feeders, e.From)
			}
		}
	}
	if len(feeders) == 0 && len(r.compiled.Layers) > 0 {
		feeders = r.compiled.Layers[len(r.compiled.Layers)-1]
	}
	merged := make(map[string]any)
	for _, id := range feeders {
		res := r.latest(id)
		if res == nil || res.Status != StatusSuccess {
			continue
		}
		for k, v := range res.Outputs {
			merged[k] = v
		}
	}
	return merged
}

// ProducersIn resolves an artifact key across the graph tree plus every
// registered processor graph, so map-routed producers are discoverable.
func (o *Orchestrator) ProducersIn(g *Graph, key ArtifactKey) ([]string, error) {
	idx, err := BuildArtifactIndex(g)
	if err != nil {
		return nil, err
	}
	ids := append([]string(nil), idx.Producers(key)...)
	for name, proc := range o.processors {
		pidx, err := BuildArtifactIndex(proc)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", name, err)
		}
		ids = append(ids, pidx.Producers(key)...)
	}
	return ids, nil
}
