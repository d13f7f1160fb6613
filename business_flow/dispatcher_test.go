package businessflow

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Kotodama/app/services"
	"github.com/amirphl/Kotodama/config"
	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/repository"
	testingutil "github.com/amirphl/Kotodama/testing"
	"github.com/amirphl/Kotodama/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedChannel fails each phone with its queued errors, then accepts it
type scriptedChannel struct {
	mu       sync.Mutex
	script   map[string][]error
	pingErrs []error
	calls    map[string]int
	texts    map[string]string
}

func newScriptedChannel() *scriptedChannel {
	return &scriptedChannel{
		script: map[string][]error{},
		calls:  map[string]int{},
		texts:  map[string]string{},
	}
}

func (c *scriptedChannel) fail(phone string, errs ...error) *scriptedChannel {
	c.script[phone] = append(c.script[phone], errs...)
	return c
}

func (c *scriptedChannel) Send(ctx context.Context, phone, text string) (*services.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[phone]++
	c.texts[phone] = text
	if q := c.script[phone]; len(q) > 0 {
		c.script[phone] = q[1:]
		return nil, q[0]
	}
	return &services.SendResult{
		ProviderMessageID: fmt.Sprintf("wamid.%s.%d", phone, c.calls[phone]),
		AcceptedAt:        utils.UTCNow(),
	}, nil
}

func (c *scriptedChannel) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pingErrs) > 0 {
		err := c.pingErrs[0]
		c.pingErrs = c.pingErrs[1:]
		return err
	}
	return nil
}

func (c *scriptedChannel) callsTo(phone string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[phone]
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []services.CampaignAlert
}

func (n *recordingNotifier) NotifyCampaign(_ context.Context, alert services.CampaignAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) sent() []services.CampaignAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]services.CampaignAlert(nil), n.alerts...)
}

func testDispatchConfig(workers int) config.DispatchConfig {
	return config.DispatchConfig{
		Workers:              workers,
		MaxTransientAttempts: 3,
		MaxRateLimitRetries:  2,
		BaseBackoff:          time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
	}
}

func transientErr() error {
	return &services.SendError{Kind: services.SendErrorTransient, StatusCode: 503, Message: "service unavailable"}
}

func throttledErr() error {
	return &services.SendError{Kind: services.SendErrorRateLimited, StatusCode: 429, Code: "130429", RetryAfter: time.Millisecond}
}

type dispatchEnv struct {
	db           *testingutil.TestDB
	fixtures     *testingutil.TestFixtures
	campaignRepo repository.CampaignRepository
	messageRepo  repository.MessageRepository
	channel      *scriptedChannel
	notifier     *recordingNotifier
	receipts     *services.MemoryReceiptCache
	dispatcher   *Dispatcher
}

func newDispatchEnv(testDB *testingutil.TestDB, channel *scriptedChannel, workers int) *dispatchEnv {
	env := &dispatchEnv{
		db:           testDB,
		fixtures:     testingutil.NewTestFixtures(testDB),
		campaignRepo: repository.NewCampaignRepository(testDB.DB),
		messageRepo:  repository.NewMessageRepository(testDB.DB),
		channel:      channel,
		notifier:     &recordingNotifier{},
		receipts:     services.NewMemoryReceiptCache(time.Hour, time.Hour),
	}
	env.dispatcher = NewDispatcher(env.campaignRepo, env.messageRepo, channel, env.receipts, env.notifier,
		testDispatchConfig(workers), time.Second, log.New(io.Discard, "", 0))
	return env
}

func (e *dispatchEnv) campaignWith(t *testing.T, phones ...string) *models.Campaign {
	t.Helper()
	c, err := e.fixtures.CreateCampaign("dispatch "+t.Name(), models.CampaignStatusDraft)
	require.NoError(t, err)
	if len(phones) > 0 {
		_, err = e.fixtures.CreateMessages(c.ID, phones...)
		require.NoError(t, err)
	}
	return c
}

func (e *dispatchEnv) messagesOf(t *testing.T, campaignID uint) map[string]*models.Message {
	t.Helper()
	rows, err := e.messageRepo.ListByCampaign(context.Background(), campaignID, 0, 0)
	require.NoError(t, err)
	out := make(map[string]*models.Message, len(rows))
	for _, m := range rows {
		out[m.RecipientPhone] = m
	}
	return out
}

func (e *dispatchEnv) statusOf(t *testing.T, campaignID uint) *models.Campaign {
	t.Helper()
	c, err := e.campaignRepo.ByID(context.Background(), campaignID)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestDispatcherSend(t *testing.T) {
	ctx := testingutil.CreateTestContext()

	t.Run("AllAccepted", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			env := newDispatchEnv(testDB, newScriptedChannel(), 4)
			c := env.campaignWith(t, "491700000101", "491700000102", "491700000103")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, models.CampaignStatusSent, res.Status)
			assert.Equal(t, int64(3), res.Attempted)
			assert.Equal(t, int64(3), res.Sent)
			assert.Zero(t, res.Failed)
			assert.Empty(t, res.Reason)

			stored := env.statusOf(t, c.ID)
			assert.Equal(t, models.CampaignStatusSent, stored.Status)
			assert.NotNil(t, stored.StartedAt)
			assert.NotNil(t, stored.FinishedAt)

			for phone, m := range env.messagesOf(t, c.ID) {
				assert.Equal(t, models.MessageStatusSent, m.Status, phone)
				require.NotNil(t, m.ProviderMessageID)
				assert.Equal(t, 1, m.Attempts)

				id, ok, err := env.receipts.Lookup(ctx, *m.ProviderMessageID)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, m.ID, id)
			}
			assert.Equal(t, "Hello Recipient 1, welcome aboard", env.channel.texts["491700000101"])
			assert.Empty(t, env.notifier.sent())
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("PartialPermanentFailureStillEndsSent", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			ch := newScriptedChannel().fail("491700000202", &services.SendError{
				Kind: services.SendErrorPermanent, StatusCode: 400, Code: "131026", Message: "message undeliverable",
			})
			env := newDispatchEnv(testDB, ch, 2)
			c := env.campaignWith(t, "491700000201", "491700000202")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, models.CampaignStatusSent, res.Status)
			assert.Equal(t, int64(1), res.Sent)
			assert.Equal(t, int64(1), res.Failed)

			failed := env.messagesOf(t, c.ID)["491700000202"]
			assert.Equal(t, models.MessageStatusFailed, failed.Status)
			assert.Equal(t, 1, failed.Attempts)
			require.NotNil(t, failed.ErrorCode)
			assert.Equal(t, "131026", *failed.ErrorCode)
			assert.NotNil(t, failed.FailedAt)
			assert.Equal(t, 1, ch.callsTo("491700000202"), "permanent errors are not retried")
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("TransientRetriedUntilAccepted", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			ch := newScriptedChannel().fail("491700000301", transientErr(), fmt.Errorf("connection reset"))
			env := newDispatchEnv(testDB, ch, 1)
			c := env.campaignWith(t, "491700000301")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Sent)

			m := env.messagesOf(t, c.ID)["491700000301"]
			assert.Equal(t, models.MessageStatusSent, m.Status)
			assert.Equal(t, 3, m.Attempts)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("TransientBudgetExhausted", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			ch := newScriptedChannel().fail("491700000401", transientErr(), transientErr(), transientErr())
			env := newDispatchEnv(testDB, ch, 1)
			c := env.campaignWith(t, "491700000401")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, models.CampaignStatusSent, res.Status)
			assert.Equal(t, int64(1), res.Failed)

			m := env.messagesOf(t, c.ID)["491700000401"]
			assert.Equal(t, models.MessageStatusFailed, m.Status)
			assert.Equal(t, 3, m.Attempts)
			require.NotNil(t, m.ErrorCode)
			assert.Equal(t, string(services.SendErrorTransient), *m.ErrorCode)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("RateLimitRetriesDoNotSpendTransientBudget", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			ch := newScriptedChannel().fail("491700000501",
				transientErr(), throttledErr(), transientErr(), throttledErr())
			env := newDispatchEnv(testDB, ch, 1)
			c := env.campaignWith(t, "491700000501")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Sent)

			m := env.messagesOf(t, c.ID)["491700000501"]
			assert.Equal(t, models.MessageStatusSent, m.Status)
			assert.Equal(t, 5, m.Attempts)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("RateLimitRetriesExhausted", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			ch := newScriptedChannel().fail("491700000601", throttledErr(), throttledErr(), throttledErr())
			env := newDispatchEnv(testDB, ch, 1)
			c := env.campaignWith(t, "491700000601")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Failed)

			m := env.messagesOf(t, c.ID)["491700000601"]
			assert.Equal(t, models.MessageStatusFailed, m.Status)
			require.NotNil(t, m.ErrorCode)
			assert.Equal(t, string(services.SendErrorRateLimited), *m.ErrorCode)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("PreflightFailureFailsCampaign", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			ch := newScriptedChannel()
			ch.pingErrs = []error{&services.SendError{Kind: services.SendErrorUnauthorized, StatusCode: 401, Code: "190"}}
			env := newDispatchEnv(testDB, ch, 2)
			c := env.campaignWith(t, "491700000701", "491700000702")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, models.CampaignStatusFailed, res.Status)
			assert.Zero(t, res.Attempted)
			assert.Contains(t, res.Reason, "outbound channel unavailable")

			stored := env.statusOf(t, c.ID)
			assert.Equal(t, models.CampaignStatusFailed, stored.Status)
			require.NotNil(t, stored.FailReason)

			for _, m := range env.messagesOf(t, c.ID) {
				assert.Equal(t, models.MessageStatusPending, m.Status)
			}
			assert.Zero(t, ch.callsTo("491700000701"))

			alerts := env.notifier.sent()
			require.Len(t, alerts, 1)
			assert.Equal(t, "failed", alerts[0].Status)
			assert.Equal(t, c.UUID.String(), alerts[0].CampaignUUID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("PreflightTransientIsRetried", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			ch := newScriptedChannel()
			ch.pingErrs = []error{transientErr(), transientErr()}
			env := newDispatchEnv(testDB, ch, 1)
			c := env.campaignWith(t, "491700000801")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, models.CampaignStatusSent, res.Status)
			assert.Equal(t, int64(1), res.Sent)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("UnauthorizedMidRunFailsRemaining", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			ch := newScriptedChannel().fail("491700000902", &services.SendError{Kind: services.SendErrorUnauthorized, StatusCode: 401})
			env := newDispatchEnv(testDB, ch, 1)
			c := env.campaignWith(t, "491700000901", "491700000902", "491700000903")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, models.CampaignStatusSent, res.Status)
			assert.Equal(t, int64(1), res.Sent)
			assert.Equal(t, int64(2), res.Failed)
			assert.NotEmpty(t, res.Reason)

			msgs := env.messagesOf(t, c.ID)
			assert.Equal(t, models.MessageStatusSent, msgs["491700000901"].Status)
			for _, phone := range []string{"491700000902", "491700000903"} {
				assert.Equal(t, models.MessageStatusFailed, msgs[phone].Status, phone)
				require.NotNil(t, msgs[phone].ErrorCode)
				assert.Equal(t, string(services.SendErrorUnauthorized), *msgs[phone].ErrorCode)
			}
			assert.Zero(t, ch.callsTo("491700000903"))

			alerts := env.notifier.sent()
			require.Len(t, alerts, 1)
			assert.Equal(t, "sent", alerts[0].Status)
			assert.Equal(t, int64(2), alerts[0].FailedCount)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("UnauthorizedBeforeAnyResolutionFailsCampaign", func(t *testing.T) {
		err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
			ch := newScriptedChannel().fail("491700001001", &services.SendError{Kind: services.SendErrorUnauthorized, StatusCode: 403})
			env := newDispatchEnv(testDB, ch, 1)
			c := env.campaignWith(t, "491700001001", "491700001002")

			res, err := env.dispatcher.Send(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, models.CampaignStatusFailed, res.Status)
			assert.Equal(t, int64(2), res.Unresolved)

			for _, m := range env.messagesOf(t, c.ID) {
				assert.Equal(t, models.MessageStatusPending, m.Status)
			}
			return nil
		})
		require.NoError(t, err)
	})
}

func TestDispatcherBegin(t *testing.T) {
	err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
		env := newDispatchEnv(testDB, newScriptedChannel(), 2)
		ctx := testingutil.CreateTestContext()

		t.Run("NoRecipients", func(t *testing.T) {
			c := env.campaignWith(t)
			_, err := env.dispatcher.Begin(ctx, c.ID)
			require.Error(t, err)
			assert.True(t, IsNoRecipients(err))
			assert.Equal(t, models.CampaignStatusDraft, env.statusOf(t, c.ID).Status)
		})

		t.Run("UnknownCampaign", func(t *testing.T) {
			_, err := env.dispatcher.Begin(ctx, 424242)
			require.Error(t, err)
			assert.True(t, IsCampaignNotFound(err))
		})

		t.Run("FinishedCampaignConflicts", func(t *testing.T) {
			c, err := env.fixtures.CreateCampaign("done", models.CampaignStatusSent)
			require.NoError(t, err)
			_, err = env.fixtures.CreateMessages(c.ID, "491700001101")
			require.NoError(t, err)

			_, err = env.dispatcher.Begin(ctx, c.ID)
			require.Error(t, err)
			assert.True(t, IsConflict(err))
		})

		t.Run("ConcurrentSendsAdmitExactlyOne", func(t *testing.T) {
			c := env.campaignWith(t, "491700001201", "491700001202")

			const callers = 5
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				admitted  int
				conflicts int
			)
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := env.dispatcher.Send(ctx, c.ID)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						admitted++
					case IsConflict(err):
						conflicts++
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, admitted)
			assert.Equal(t, callers-1, conflicts)
			for phone := range env.messagesOf(t, c.ID) {
				assert.Equal(t, 1, env.channel.callsTo(phone), "each message sent once")
			}
		})

		t.Run("StartRunsInBackground", func(t *testing.T) {
			c := env.campaignWith(t, "491700001301", "491700001302")

			run, err := env.dispatcher.Start(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), run.Pending)
			assert.Equal(t, models.CampaignStatusSending, run.Campaign.Status)

			env.dispatcher.Wait()
			assert.Equal(t, models.CampaignStatusSent, env.statusOf(t, c.ID).Status)
		})

		return nil
	})
	require.NoError(t, err)
}

func TestDispatcherBackoff(t *testing.T) {
	d := &Dispatcher{cfg: config.DispatchConfig{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}}

	first := d.backoff(1)
	assert.GreaterOrEqual(t, first, 10*time.Millisecond)
	assert.LessOrEqual(t, first, 12*time.Millisecond)

	third := d.backoff(3)
	assert.GreaterOrEqual(t, third, 40*time.Millisecond)

	capped := d.backoff(10)
	assert.GreaterOrEqual(t, capped, 50*time.Millisecond)
	assert.LessOrEqual(t, capped, 60*time.Millisecond)
}
