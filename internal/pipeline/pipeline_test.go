package pipeline

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/danmuck/relayctl/internal/stage"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
	"github.com/danmuck/relayctl/internal/transport"
	"github.com/danmuck/relayctl/internal/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = observability.NopLogger()

func testTopology(t *testing.T, variant config.Variant) *config.Topology {
	t.Helper()
	topo, err := DefaultTopology(variant)
	require.NoError(t, err)
	topo = Ephemeral(topo)
	topo.Timeouts = transport.Timeouts{Connect: time.Second, Accept: 5 * time.Second, Receive: 5 * time.Second, Write: time.Second}
	return topo
}

type capture struct {
	mu    sync.Mutex
	notes []transport.Notification
}

func (c *capture) sink(n transport.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
}

func (c *capture) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.notes))
	for _, n := range c.notes {
		out = append(out, n.Text)
	}
	return out
}

type outcome struct {
	r     *Runner
	res   worker.Result
	err   error
	notes *capture
	out   *bytes.Buffer
}

func run(t *testing.T, topo *config.Topology, inputs ...string) outcome {
	t.Helper()
	o := outcome{notes: &capture{}, out: &bytes.Buffer{}}
	r, err := NewRunner(topo, Options{Input: worker.NewTokens(inputs...), Output: o.out, Sink: o.notes.sink, Logger: &quiet})
	require.NoError(t, err)
	o.r = r
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.res, o.err = r.Run(ctx)
	return o
}

func TestDefaultTopologies(t *testing.T) {
	amicable, err := DefaultTopology(config.VariantAmicable)
	require.NoError(t, err)
	require.NoError(t, amicable.Validate())
	assert.Equal(t, 2001, amicable.Endpoints[EndpointP1P2].Port)
	assert.Equal(t, 9876, amicable.Endpoints[EndpointP2P3].Port)
	assert.Equal(t, transport.Datagram, amicable.Endpoints[EndpointP2P3].Transport)
	assert.Equal(t, 1099, amicable.Endpoints[EndpointP4P1].Port)

	primorial, err := DefaultTopology(config.VariantPrimorial)
	require.NoError(t, err)
	require.NoError(t, primorial.Validate())
	assert.Equal(t, 2001, primorial.Endpoints[EndpointP2P1].Port)
	assert.Equal(t, 2001, primorial.Endpoints[EndpointP3P1Ack].Port)
	assert.Equal(t, Fourth, primorial.Endpoints[EndpointObserver].Owner)
	assert.Equal(t, 2004, primorial.Endpoints[EndpointObserver].Port)

	_, err = DefaultTopology("fibonacci")
	assert.ErrorIs(t, err, config.ErrUnknownVariant)
}

func TestBuildOrdersReceiversFirst(t *testing.T) {
	set, err := Build(testTopology(t, config.VariantPrimorial), Options{Input: worker.NewTokens(), Logger: &quiet})
	require.NoError(t, err)
	require.NotNil(t, set.Observer)
	require.Len(t, set.Workers, 3)
	assert.Equal(t, []string{Third, Second, Originator}, []string{set.Workers[0].Name(), set.Workers[1].Name(), set.Workers[2].Name()})

	set, err = Build(testTopology(t, config.VariantAmicable), Options{Input: worker.NewTokens(), Logger: &quiet})
	require.NoError(t, err)
	assert.Nil(t, set.Observer)
	_, ok := set.Worker(Fourth)
	assert.True(t, ok)
}

func TestAmicablePipelineReachesAmicableBranch(t *testing.T) {
	testlog.Start(t)
	o := run(t, testTopology(t, config.VariantAmicable), "220", "284")
	require.NoError(t, o.err)
	res := o.res

	amicable, ok := res.Value("amicable")
	require.True(t, ok)
	assert.Equal(t, wire.KindBool, amicable.Kind)
	assert.True(t, amicable.Bool, "a received true flag must compare equal by value")

	report, _ := res.Value(ValueReport)
	assert.Equal(t, "220 and 284 are amicable\nthree-digit cubic numbers: 153 370 371 407 (total 4)", report.Text)
	assert.NotEqual(t, uuid.Nil, res.Run)
}

func TestAmicablePipelineSmallSumHasNoCubes(t *testing.T) {
	testlog.Start(t)
	o := run(t, testTopology(t, config.VariantAmicable), "20", "30")
	require.NoError(t, o.err)
	res := o.res
	cubes, ok := res.Value("cubes")
	require.True(t, ok)
	assert.Empty(t, cubes.Items)
	report, _ := res.Value(ValueReport)
	assert.Contains(t, report.Text, "are not amicable")
	assert.Contains(t, report.Text, "no results found")
}

func TestAmicablePipelineSumsOverDatagramHop(t *testing.T) {
	testlog.Start(t)
	o := run(t, testTopology(t, config.VariantAmicable), "28", "28")
	require.NoError(t, o.err)

	third, ok := o.r.Result(Third)
	require.True(t, ok)
	sum, ok := third.Value("sum")
	require.True(t, ok)
	assert.Equal(t, int64(56), sum.Int)
	m, _ := third.Value("m")
	assert.Equal(t, "28", m.String())

	amicable, ok := o.res.Value("amicable")
	require.True(t, ok)
	assert.True(t, amicable.Bool, "a perfect number pairs with itself")
	report, _ := o.res.Value(ValueReport)
	assert.Equal(t, "28 and 28 are amicable\nthree-digit cubic numbers: no results found", report.Text)
}

func TestPrimorialPipelineRejectsSumBeyondFrameLimit(t *testing.T) {
	testlog.Start(t)
	n := stage.MaxPrimorialBound/3 + 1
	o := run(t, testTopology(t, config.VariantPrimorial), strconv.FormatInt(n, 10))
	require.Error(t, o.err)
	assert.ErrorIs(t, o.err, stage.ErrOutOfRange)

	var stepErr *worker.StepError
	require.ErrorAs(t, o.err, &stepErr)
	assert.Equal(t, Third, stepErr.Worker)
	assert.Equal(t, worker.PhaseComputing, stepErr.Phase)
}

func TestPrimorialPipelineNotifiesObserver(t *testing.T) {
	testlog.Start(t)
	o := run(t, testTopology(t, config.VariantPrimorial), "14")
	require.NoError(t, o.err)
	res := o.res

	result, ok := res.Value(ValueResult)
	require.True(t, ok)
	assert.Equal(t, "304250263527210", result.String())
	ack, _ := res.Value("ack")
	assert.Equal(t, AckText, ack.Text)
	report, _ := res.Value(ValueReport)
	assert.Equal(t, FinalResultPrefix+"304250263527210", report.Text)

	assert.ElementsMatch(t, []string{
		"P3 computed sum=42 product=304250263527210",
		ResultNoticePrefix + "304250263527210",
	}, o.notes.texts())
	assert.Contains(t, o.out.String(), worker.NotificationPrefix+ResultNoticePrefix+"304250263527210")
}

func TestPrimorialPipelineIsRepeatable(t *testing.T) {
	first := run(t, testTopology(t, config.VariantPrimorial), "28")
	require.NoError(t, first.err)
	second := run(t, testTopology(t, config.VariantPrimorial), "28")
	require.NoError(t, second.err)

	a, _ := first.res.Value(ValueResult)
	b, _ := second.res.Value(ValueResult)
	assert.True(t, a.Equal(b))
	assert.Equal(t, "267064515689275851355624017992790", a.String())
	assert.NotEqual(t, first.res.Run, second.res.Run)
}

func TestMalformedInputFailsRun(t *testing.T) {
	testlog.Start(t)
	o := run(t, testTopology(t, config.VariantAmicable), "abc", "284")
	assert.ErrorIs(t, o.err, wire.ErrMalformedPayload)
}

func TestOccupiedPortFailsBeforeAnyWorkerRuns(t *testing.T) {
	topo := testTopology(t, config.VariantPrimorial)
	blocker, err := transport.ListenStream(context.Background(), transport.Address{Name: "blocker", Host: DefaultHost, Kind: transport.Stream}, transport.Timeouts{})
	require.NoError(t, err)
	defer blocker.Close()
	require.NoError(t, topo.SetPort(EndpointP3P2, blocker.Addr().Port))

	o := run(t, topo, "14")
	assert.ErrorIs(t, o.err, transport.ErrAddressInUse)
}
