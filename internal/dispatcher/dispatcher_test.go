package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/4peng/Udara-sub000/internal/cooldown"
	"github.com/4peng/Udara-sub000/internal/models"
	"github.com/4peng/Udara-sub000/internal/push"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDeviceStore struct {
	devices map[string]*models.Device
}

func (f *fakeDeviceStore) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	return f.devices[deviceID], nil
}

type fakeSubscriptionStore struct {
	subs map[string][]models.Subscription
	err  error
}

func (f *fakeSubscriptionStore) GetActiveByDevice(_ context.Context, deviceID string) ([]models.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.subs[deviceID], nil
}

type fakeNotificationStore struct {
	mu       sync.Mutex
	appended []*models.Notification
	failures int
}

func (f *fakeNotificationStore) Append(_ context.Context, n *models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("db unavailable")
	}
	f.appended = append(f.appended, n)
	return nil
}

func (f *fakeNotificationStore) all() []*models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Notification(nil), f.appended...)
}

type fakeTokenStore struct {
	tokens map[string][]string
	err    error
}

func (f *fakeTokenStore) TokensForUser(_ context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tokens[userID], nil
}

type fakePushSender struct {
	mu      sync.Mutex
	batches [][]push.Message
	fail    bool
}

func (f *fakePushSender) Send(_ context.Context, batch []push.Message) []push.Outcome {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()

	outcomes := make([]push.Outcome, 0, len(batch))
	for _, m := range batch {
		if f.fail {
			outcomes = append(outcomes, push.Outcome{Token: m.To, OK: false, Error: "DeviceNotRegistered"})
		} else {
			outcomes = append(outcomes, push.Outcome{Token: m.To, OK: true, TicketID: "ticket-1"})
		}
	}
	return outcomes
}

func (f *fakePushSender) sent() [][]push.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]push.Message(nil), f.batches...)
}

type fixture struct {
	dispatcher    *Dispatcher
	devices       *fakeDeviceStore
	subscriptions *fakeSubscriptionStore
	notifications *fakeNotificationStore
	tokens        *fakeTokenStore
	sender        *fakePushSender
	tracker       *cooldown.Tracker
}

func newFixture() *fixture {
	f := &fixture{
		devices: &fakeDeviceStore{devices: map[string]*models.Device{
			"D1": {DeviceID: "D1", Name: "Living Room", IsActive: true},
		}},
		subscriptions: &fakeSubscriptionStore{subs: map[string][]models.Subscription{
			"D1": {{
				UserID:   "U1",
				DeviceID: "D1",
				IsActive: true,
				Thresholds: map[string]models.ThresholdConfig{
					"pm2_5": {Enabled: true, Warning: 75, Critical: 150},
				},
			}},
		}},
		notifications: &fakeNotificationStore{},
		tokens:        &fakeTokenStore{tokens: map[string][]string{}},
		sender:        &fakePushSender{},
		tracker:       cooldown.NewTracker(time.Hour),
	}
	f.dispatcher = NewDispatcher(
		f.devices, f.subscriptions, f.notifications, f.tokens, f.sender,
		f.tracker, 0, zap.NewNop(),
	)
	return f
}

func criticalReading() *models.Reading {
	return &models.Reading{
		DeviceID:  "D1",
		Timestamp: time.Now(),
		Values:    map[string]float64{"pm2_5": 150.5},
	}
}

func TestOnNewReading_DispatchesCriticalAlert(t *testing.T) {
	f := newFixture()

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	require.NoError(t, err)
	appended := f.notifications.all()
	require.Len(t, appended, 1)

	n := appended[0]
	assert.NotEmpty(t, n.NotificationID)
	assert.Equal(t, models.TriggerThresholdExceeded, n.Trigger.Type)
	assert.Equal(t, "D1", n.Trigger.DeviceID)
	assert.Equal(t, "pm2_5", n.Trigger.Metric)
	assert.Equal(t, 150.5, n.Trigger.Value)
	assert.Equal(t, float64(150), n.Trigger.Threshold)
	assert.Equal(t, models.SeverityCritical, n.Trigger.Severity)
	assert.Contains(t, n.Content.Message, "PM2.5")
	assert.Contains(t, n.Content.Message, "Living Room")

	require.Len(t, n.Recipients, 1)
	rcpt := n.Recipients[0]
	assert.Equal(t, "U1", rcpt.UserID)
	// 无推送 token：sent 表示已写入应用内通知列表
	assert.Equal(t, models.DeliverySent, rcpt.Status)
	assert.Equal(t, []string{models.ChannelInApp}, rcpt.Channels)
	require.NotNil(t, rcpt.SentAt)
}

func TestOnNewReading_NoViolationNoNotification(t *testing.T) {
	f := newFixture()
	reading := criticalReading()
	reading.Values["pm2_5"] = 10

	err := f.dispatcher.OnNewReading(context.Background(), reading)

	require.NoError(t, err)
	assert.Empty(t, f.notifications.all())
	assert.Empty(t, f.sender.sent())
}

func TestOnNewReading_SuppressedWithinCooldown(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.dispatcher.OnNewReading(ctx, criticalReading()))
	// 10 分钟后同一设备再次超标
	require.NoError(t, f.dispatcher.OnNewReading(ctx, criticalReading()))

	assert.Len(t, f.notifications.all(), 1)
}

func TestOnNewReading_RedispatchesAfterWindow(t *testing.T) {
	f := newFixture()
	key := cooldown.Key{UserID: "U1", DeviceID: "D1", Severity: models.SeverityCritical}
	f.tracker.RecordDispatch(key, time.Now().Add(-61*time.Minute))

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	require.NoError(t, err)
	assert.Len(t, f.notifications.all(), 1)
}

func TestOnNewReading_SeveritiesCoolDownIndependently(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.dispatcher.OnNewReading(ctx, criticalReading()))

	warning := criticalReading()
	warning.Values["pm2_5"] = 80
	require.NoError(t, f.dispatcher.OnNewReading(ctx, warning))

	appended := f.notifications.all()
	require.Len(t, appended, 2)
}

func TestOnNewReading_UnknownDeviceDropped(t *testing.T) {
	f := newFixture()
	reading := criticalReading()
	reading.DeviceID = "ghost"

	err := f.dispatcher.OnNewReading(context.Background(), reading)

	require.NoError(t, err)
	assert.Empty(t, f.notifications.all())
}

func TestOnNewReading_InactiveDeviceDropped(t *testing.T) {
	f := newFixture()
	f.devices.devices["D1"].IsActive = false

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	require.NoError(t, err)
	assert.Empty(t, f.notifications.all())
}

func TestOnNewReading_NoSubscribersSilent(t *testing.T) {
	f := newFixture()
	f.subscriptions.subs = map[string][]models.Subscription{}

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	require.NoError(t, err)
	assert.Empty(t, f.notifications.all())
}

func TestOnNewReading_SubscriptionLookupFailure(t *testing.T) {
	f := newFixture()
	f.subscriptions.err = errors.New("db down")

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	assert.Error(t, err)
}

func TestOnNewReading_PushSuccessAddsPushChannel(t *testing.T) {
	f := newFixture()
	f.tokens.tokens["U1"] = []string{"ExponentPushToken[abc]"}

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	require.NoError(t, err)
	appended := f.notifications.all()
	require.Len(t, appended, 1)

	rcpt := appended[0].Recipients[0]
	assert.Equal(t, models.DeliverySent, rcpt.Status)
	assert.Contains(t, rcpt.Channels, models.ChannelPush)

	batches := f.sender.sent()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "ExponentPushToken[abc]", batches[0][0].To)
	assert.Equal(t, appended[0].NotificationID, batches[0][0].Data["notificationId"])
}

func TestOnNewReading_PushFailureStillPersists(t *testing.T) {
	f := newFixture()
	f.tokens.tokens["U1"] = []string{"ExponentPushToken[abc]"}
	f.sender.fail = true

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	require.NoError(t, err)
	appended := f.notifications.all()
	require.Len(t, appended, 1)

	rcpt := appended[0].Recipients[0]
	assert.Equal(t, models.DeliveryFailed, rcpt.Status)
	assert.Equal(t, "DeviceNotRegistered", rcpt.Error)
	// 推送失败后冷却不回滚：窗口内不重试
	require.NoError(t, f.dispatcher.OnNewReading(context.Background(), criticalReading()))
	assert.Len(t, f.notifications.all(), 1)
}

func TestOnNewReading_TokenLookupFailureDegradesToInApp(t *testing.T) {
	f := newFixture()
	f.tokens.err = errors.New("db down")

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	require.NoError(t, err)
	appended := f.notifications.all()
	require.Len(t, appended, 1)
	assert.Equal(t, models.DeliverySent, appended[0].Recipients[0].Status)
	assert.Empty(t, f.sender.sent())
}

func TestOnNewReading_PersistRetriesOnce(t *testing.T) {
	f := newFixture()
	f.notifications.failures = 1

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	require.NoError(t, err)
	assert.Len(t, f.notifications.all(), 1)
}

func TestOnNewReading_FansOutToAllSubscribers(t *testing.T) {
	f := newFixture()
	subs := make([]models.Subscription, 0, 20)
	for i := 0; i < 20; i++ {
		subs = append(subs, models.Subscription{
			UserID:   "U" + string(rune('A'+i)),
			DeviceID: "D1",
			IsActive: true,
			Thresholds: map[string]models.ThresholdConfig{
				"pm2_5": {Enabled: true, Warning: 75, Critical: 150},
			},
		})
	}
	f.subscriptions.subs["D1"] = subs

	err := f.dispatcher.OnNewReading(context.Background(), criticalReading())

	require.NoError(t, err)
	assert.Len(t, f.notifications.all(), 20)
}

func TestSendTest_DeliversAndPersists(t *testing.T) {
	f := newFixture()

	n, err := f.dispatcher.SendTest(context.Background(), "U1", "", "hello")

	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, models.TriggerTest, n.Trigger.Type)
	assert.Equal(t, "Test notification", n.Content.Subject)
	assert.Len(t, f.notifications.all(), 1)
}

func TestSendTest_RequiresUserID(t *testing.T) {
	f := newFixture()

	_, err := f.dispatcher.SendTest(context.Background(), "", "t", "b")

	assert.Error(t, err)
}
