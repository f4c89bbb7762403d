package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	devicedomain "device-trust-plane/internal/device/domain"
	"device-trust-plane/internal/policy/engine"
	userdomain "device-trust-plane/internal/user/domain"
)

// memDeviceRepo is an in-memory DeviceRepo for tests.
type memDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*devicedomain.Device

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex
}

func newMemDeviceRepo() *memDeviceRepo {
	return &memDeviceRepo{
		devices:   make(map[string]*devicedomain.Device),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (m *memDeviceRepo) GetByID(ctx context.Context, id string) (*devicedomain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *memDeviceRepo) GetActiveByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*devicedomain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint && d.IsActive {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memDeviceRepo) FingerprintActiveForOtherUser(ctx context.Context, fingerprint, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.Fingerprint == fingerprint && d.IsActive && d.UserID != userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memDeviceRepo) FingerprintExists(ctx context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.Fingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (m *memDeviceRepo) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.devices {
		if d.UserID == userID && d.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *memDeviceRepo) ListActiveByUser(ctx context.Context, userID string) ([]*devicedomain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*devicedomain.Device
	for _, d := range m.devices {
		if d.UserID == userID && d.IsActive {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDeviceRepo) OldestActiveByUser(ctx context.Context, userID string) (*devicedomain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *devicedomain.Device
	for _, d := range m.devices {
		if d.UserID != userID || !d.IsActive {
			continue
		}
		if oldest == nil ||
			d.LastSeen().Before(oldest.LastSeen()) ||
			(d.LastSeen().Equal(oldest.LastSeen()) && d.ID < oldest.ID) {
			oldest = d
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func (m *memDeviceRepo) Create(ctx context.Context, d *devicedomain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

func (m *memDeviceRepo) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.IsActive = false
	}
	return nil
}

func (m *memDeviceRepo) UpdateLastUsed(ctx context.Context, id string, at time.Time, ipAddress, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.LastUsedAt = &at
		d.IPAddress = ipAddress
		if location != "" {
			d.Location = location
		}
	}
	return nil
}

func (m *memDeviceRepo) SetTrusted(ctx context.Context, id string, trusted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.IsTrusted = trusted
	}
	return nil
}

func (m *memDeviceRepo) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.ExpiresAt = &expiresAt
	}
	return nil
}

func (m *memDeviceRepo) DeactivateExpired(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, d := range m.devices {
		if d.IsActive && d.Expired(now) {
			d.IsActive = false
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func (m *memDeviceRepo) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	m.lockMu.Lock()
	l, ok := m.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.userLocks[userID] = l
	}
	m.lockMu.Unlock()
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// memSessionRepo records device-session cascades.
type memSessionRepo struct {
	mu         sync.Mutex
	endedByDev map[string]int
	endErr     error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{endedByDev: make(map[string]int)}
}

func (m *memSessionRepo) EndAllByDevice(ctx context.Context, deviceID string, at time.Time) (int, error) {
	if m.endErr != nil {
		return 0, m.endErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedByDev[deviceID]++
	return 1, nil
}

func (m *memSessionRepo) endedFor(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endedByDev[deviceID]
}

// memUserRepo holds users by id.
type memUserRepo struct {
	users map[string]*userdomain.User
}

func (m *memUserRepo) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// stubPolicy returns a fixed decision.
type stubPolicy struct {
	decision engine.BindDecision
	err      error
}

func (s *stubPolicy) EvaluateBind(ctx context.Context, device *devicedomain.Device, user *userdomain.User, isRebind bool) (engine.BindDecision, error) {
	return s.decision, s.err
}

type fixture struct {
	registry *Registry
	devices  *memDeviceRepo
	sessions *memSessionRepo
	users    *memUserRepo
	now      time.Time
}

func newFixture(t *testing.T, kickoutPolicy string) *fixture {
	t.Helper()
	f := &fixture{
		devices:  newMemDeviceRepo(),
		sessions: newMemSessionRepo(),
		users: &memUserRepo{users: map[string]*userdomain.User{
			"student-1": {ID: "student-1", Username: "alice", Role: userdomain.RoleStudent, IsActive: true},
			"student-2": {ID: "student-2", Username: "bob", Role: userdomain.RoleStudent, IsActive: true},
			"admin-1":   {ID: "admin-1", Username: "root", Role: userdomain.RoleAdministrator, IsActive: true},
			"locked-1":  {ID: "locked-1", Username: "carol", Role: userdomain.RoleStudent, IsActive: false},
			"capped-1":  {ID: "capped-1", Username: "dave", Role: userdomain.RoleStudent, IsActive: true, MaxDeviceCount: 1},
		}},
		now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	f.registry = NewRegistry(
		f.devices, f.sessions, f.users,
		&stubPolicy{}, nil, nil,
		true, 3, kickoutPolicy, 30,
	)
	f.registry.nowF = func() time.Time { return f.now }
	return f
}

func (f *fixture) bind(t *testing.T, userID, fingerprint string) *devicedomain.Device {
	t.Helper()
	d, err := f.registry.Bind(context.Background(), BindInput{
		UserID:      userID,
		Fingerprint: fingerprint,
		DeviceType:  "desktop",
		IPAddress:   "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("Bind(%s, %s) failed: %v", userID, fingerprint, err)
	}
	return d
}

func TestBind_CreatesDevice(t *testing.T) {
	f := newFixture(t, RejectNew)

	d := f.bind(t, "student-1", "fp-1")

	if d.ID == "" {
		t.Error("device must get a generated id")
	}
	if !d.IsActive {
		t.Error("new device must be active")
	}
	if d.IsTrusted {
		t.Error("new device must start untrusted under the stub policy")
	}
	if d.Name != "desktop_20260401" {
		t.Errorf("Name = %q, want derived default", d.Name)
	}
	if d.ExpiresAt == nil {
		t.Fatal("new device must carry an expiry")
	}
	wantExp := f.now.AddDate(0, 0, 30)
	if !d.ExpiresAt.Equal(wantExp) {
		t.Errorf("ExpiresAt = %v, want %v", d.ExpiresAt, wantExp)
	}
}

func TestBind_UnknownAndInactiveUser(t *testing.T) {
	f := newFixture(t, RejectNew)

	if _, err := f.registry.Bind(context.Background(), BindInput{UserID: "nobody", Fingerprint: "fp"}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
	if _, err := f.registry.Bind(context.Background(), BindInput{UserID: "locked-1", Fingerprint: "fp"}); !errors.Is(err, ErrUserInactive) {
		t.Errorf("err = %v, want ErrUserInactive", err)
	}
}

func TestBind_SameFingerprintRefreshesBinding(t *testing.T) {
	f := newFixture(t, RejectNew)

	first := f.bind(t, "student-1", "fp-1")
	f.now = f.now.Add(time.Hour)
	second := f.bind(t, "student-1", "fp-1")

	if first.ID != second.ID {
		t.Error("rebinding the same fingerprint must reuse the binding")
	}
	if second.LastUsedAt == nil || !second.LastUsedAt.Equal(f.now) {
		t.Errorf("rebind must refresh last-used time, got %v", second.LastUsedAt)
	}
	if n, _ := f.devices.CountActiveByUser(context.Background(), "student-1"); n != 1 {
		t.Errorf("active devices = %d, want 1", n)
	}
}

func TestBind_RejectNewAtQuota(t *testing.T) {
	f := newFixture(t, RejectNew)

	f.bind(t, "student-1", "fp-1")
	f.bind(t, "student-1", "fp-2")
	f.bind(t, "student-1", "fp-3")

	_, err := f.registry.Bind(context.Background(), BindInput{UserID: "student-1", Fingerprint: "fp-4"})
	if !errors.Is(err, ErrDeviceLimitReached) {
		t.Fatalf("err = %v, want ErrDeviceLimitReached", err)
	}
	if n, _ := f.devices.CountActiveByUser(context.Background(), "student-1"); n != 3 {
		t.Errorf("active devices = %d, want 3", n)
	}
}

func TestBind_KickoutOldestAtQuota(t *testing.T) {
	f := newFixture(t, KickoutOldest)

	oldest := f.bind(t, "student-1", "fp-1")
	f.now = f.now.Add(time.Minute)
	f.bind(t, "student-1", "fp-2")
	f.now = f.now.Add(time.Minute)
	f.bind(t, "student-1", "fp-3")
	f.now = f.now.Add(time.Minute)
	newest := f.bind(t, "student-1", "fp-4")

	if n, _ := f.devices.CountActiveByUser(context.Background(), "student-1"); n != 3 {
		t.Errorf("active devices = %d, want 3 after eviction", n)
	}
	got, _ := f.devices.GetByID(context.Background(), oldest.ID)
	if got.IsActive {
		t.Error("oldest device must be evicted")
	}
	if f.sessions.endedFor(oldest.ID) == 0 {
		t.Error("eviction must end the evicted device's sessions")
	}
	got, _ = f.devices.GetByID(context.Background(), newest.ID)
	if !got.IsActive {
		t.Error("newest device must be active")
	}
}

func TestBind_EvictionOrderFollowsLastUse(t *testing.T) {
	f := newFixture(t, KickoutOldest)

	first := f.bind(t, "student-1", "fp-1")
	f.now = f.now.Add(time.Minute)
	second := f.bind(t, "student-1", "fp-2")
	f.now = f.now.Add(time.Minute)
	f.bind(t, "student-1", "fp-3")

	// touch the first device so the second becomes least recently used
	f.now = f.now.Add(time.Minute)
	if err := f.registry.Touch(context.Background(), "student-1", first.ID, "10.0.0.2", ""); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	f.now = f.now.Add(time.Minute)
	f.bind(t, "student-1", "fp-4")

	got, _ := f.devices.GetByID(context.Background(), second.ID)
	if got.IsActive {
		t.Error("least recently used device must be the one evicted")
	}
	got, _ = f.devices.GetByID(context.Background(), first.ID)
	if !got.IsActive {
		t.Error("recently touched device must survive eviction")
	}
}

func TestBind_EvictionFailureAbortsBind(t *testing.T) {
	f := newFixture(t, KickoutOldest)

	f.bind(t, "student-1", "fp-1")
	f.bind(t, "student-1", "fp-2")
	f.bind(t, "student-1", "fp-3")

	f.sessions.endErr = errors.New("db down")
	_, err := f.registry.Bind(context.Background(), BindInput{UserID: "student-1", Fingerprint: "fp-4"})
	if !errors.Is(err, ErrEvictionFailed) {
		t.Fatalf("err = %v, want ErrEvictionFailed", err)
	}
}

func TestBind_AdminIsQuotaExempt(t *testing.T) {
	f := newFixture(t, RejectNew)

	for _, fp := range []string{"fp-1", "fp-2", "fp-3", "fp-4", "fp-5"} {
		f.bind(t, "admin-1", fp)
	}
	if n, _ := f.devices.CountActiveByUser(context.Background(), "admin-1"); n != 5 {
		t.Errorf("active devices = %d, want 5", n)
	}
}

func TestBind_PerUserQuotaOverride(t *testing.T) {
	f := newFixture(t, RejectNew)

	f.bind(t, "capped-1", "fp-1")
	_, err := f.registry.Bind(context.Background(), BindInput{UserID: "capped-1", Fingerprint: "fp-2"})
	if !errors.Is(err, ErrDeviceLimitReached) {
		t.Fatalf("err = %v, want ErrDeviceLimitReached at per-user cap of 1", err)
	}
}

func TestBind_LimitDisabled(t *testing.T) {
	f := newFixture(t, RejectNew)
	f.registry.limitEnabled = false

	for _, fp := range []string{"fp-1", "fp-2", "fp-3", "fp-4"} {
		f.bind(t, "student-1", fp)
	}
	if n, _ := f.devices.CountActiveByUser(context.Background(), "student-1"); n != 4 {
		t.Errorf("active devices = %d, want 4", n)
	}
}

func TestBind_FingerprintCollisionRewrite(t *testing.T) {
	f := newFixture(t, RejectNew)

	a := f.bind(t, "student-1", "shared-fp")
	b := f.bind(t, "student-2", "shared-fp")

	if a.Fingerprint == b.Fingerprint {
		t.Fatal("second user's binding must get a rewritten fingerprint")
	}
	if b.Fingerprint != "shared-fp-Ustudent-2" {
		t.Errorf("Fingerprint = %q, want user-scoped rewrite", b.Fingerprint)
	}
	// each user still resolves their own binding by their own fingerprint
	got, _ := f.registry.ValidateBinding(context.Background(), "student-1", "shared-fp")
	if got == nil || got.ID != a.ID {
		t.Error("first user's binding must stay valid under the original fingerprint")
	}
}

func TestBind_TrustedPolicyShortensExpiry(t *testing.T) {
	f := newFixture(t, RejectNew)
	f.registry.policy = &stubPolicy{decision: engine.BindDecision{RegisterTrusted: true, TrustTTLDays: 7}}

	d := f.bind(t, "student-1", "fp-1")

	if !d.IsTrusted {
		t.Error("policy grant must mark the device trusted")
	}
	wantExp := f.now.AddDate(0, 0, 7)
	if d.ExpiresAt == nil || !d.ExpiresAt.Equal(wantExp) {
		t.Errorf("ExpiresAt = %v, want trust-TTL bounded %v", d.ExpiresAt, wantExp)
	}
}

func TestValidateBinding(t *testing.T) {
	f := newFixture(t, RejectNew)
	d := f.bind(t, "student-1", "fp-1")

	if got, _ := f.registry.ValidateBinding(context.Background(), "student-1", "fp-1"); got == nil || got.ID != d.ID {
		t.Error("fresh binding must validate")
	}
	if got, _ := f.registry.ValidateBinding(context.Background(), "student-2", "fp-1"); got != nil {
		t.Error("another user must not validate the binding")
	}
	if got, _ := f.registry.ValidateBinding(context.Background(), "student-1", "missing"); got != nil {
		t.Error("unknown fingerprint must not validate")
	}

	f.now = f.now.AddDate(0, 0, 31)
	if got, _ := f.registry.ValidateBinding(context.Background(), "student-1", "fp-1"); got != nil {
		t.Error("expired binding must not validate")
	}
}

func TestEvictOldest(t *testing.T) {
	f := newFixture(t, RejectNew)

	if evicted, err := f.registry.EvictOldest(context.Background(), "student-1"); err != nil || evicted {
		t.Fatalf("EvictOldest with no devices = %v, %v; want false, nil", evicted, err)
	}

	a := f.bind(t, "student-1", "fp-1")
	f.now = f.now.Add(time.Hour)
	b := f.bind(t, "student-1", "fp-2")

	evicted, err := f.registry.EvictOldest(context.Background(), "student-1")
	if err != nil || !evicted {
		t.Fatalf("EvictOldest = %v, %v; want true, nil", evicted, err)
	}
	gotA, _ := f.devices.GetByID(context.Background(), a.ID)
	gotB, _ := f.devices.GetByID(context.Background(), b.ID)
	if gotA.IsActive {
		t.Error("oldest device must be retired")
	}
	if !gotB.IsActive {
		t.Error("newer device must stay active")
	}
	if f.sessions.endedFor(a.ID) == 0 {
		t.Error("eviction must end the evicted device's sessions")
	}
}

func TestUnbind_CascadesSessions(t *testing.T) {
	f := newFixture(t, RejectNew)
	d := f.bind(t, "student-1", "fp-1")

	if err := f.registry.Unbind(context.Background(), "student-1", d.ID); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}
	got, _ := f.devices.GetByID(context.Background(), d.ID)
	if got.IsActive {
		t.Error("unbound device must be inactive")
	}
	if f.sessions.endedFor(d.ID) == 0 {
		t.Error("unbind must end the device's sessions")
	}
}

func TestUnbind_OwnershipEnforced(t *testing.T) {
	f := newFixture(t, RejectNew)
	d := f.bind(t, "student-1", "fp-1")

	if err := f.registry.Unbind(context.Background(), "student-2", d.ID); !errors.Is(err, ErrDeviceNotOwned) {
		t.Errorf("err = %v, want ErrDeviceNotOwned", err)
	}
	if err := f.registry.Unbind(context.Background(), "student-1", "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestAdminUnbind_IgnoresOwnership(t *testing.T) {
	f := newFixture(t, RejectNew)
	d := f.bind(t, "student-1", "fp-1")

	if err := f.registry.AdminUnbind(context.Background(), d.ID); err != nil {
		t.Fatalf("AdminUnbind failed: %v", err)
	}
	got, _ := f.devices.GetByID(context.Background(), d.ID)
	if got.IsActive {
		t.Error("device must be retired by admin unbind")
	}
	if f.sessions.endedFor(d.ID) == 0 {
		t.Error("admin unbind must end the device's sessions")
	}
}

func TestExtendExpiry_NeverShortens(t *testing.T) {
	f := newFixture(t, RejectNew)
	d := f.bind(t, "student-1", "fp-1") // expires now+30d

	if err := f.registry.ExtendExpiry(context.Background(), "student-1", d.ID, 10); err != nil {
		t.Fatalf("ExtendExpiry failed: %v", err)
	}
	got, _ := f.devices.GetByID(context.Background(), d.ID)
	wantExp := f.now.AddDate(0, 0, 40) // extends from the current expiry, not from now
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(wantExp) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, wantExp)
	}
}

func TestSweepExpired_CascadesSessions(t *testing.T) {
	f := newFixture(t, RejectNew)
	d1 := f.bind(t, "student-1", "fp-1")
	d2 := f.bind(t, "student-2", "fp-2")

	f.now = f.now.AddDate(0, 0, 31)
	n, err := f.registry.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("swept = %d, want 2", n)
	}
	for _, d := range []*devicedomain.Device{d1, d2} {
		got, _ := f.devices.GetByID(context.Background(), d.ID)
		if got.IsActive {
			t.Errorf("device %s must be retired by the sweep", d.ID)
		}
		if f.sessions.endedFor(d.ID) == 0 {
			t.Errorf("sweep must end sessions of device %s", d.ID)
		}
	}
}

func TestBind_ConcurrentBindsRespectQuota(t *testing.T) {
	f := newFixture(t, RejectNew)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.registry.Bind(context.Background(), BindInput{
				UserID:      "student-1",
				Fingerprint: "fp-" + string(rune('a'+i)),
				DeviceType:  "desktop",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var bound, rejected int
	for err := range errs {
		switch {
		case err == nil:
			bound++
		case errors.Is(err, ErrDeviceLimitReached):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if bound != 3 || rejected != 7 {
		t.Errorf("bound = %d, rejected = %d; want 3 and 7", bound, rejected)
	}
	if n, _ := f.devices.CountActiveByUser(context.Background(), "student-1"); n != 3 {
		t.Errorf("active devices = %d, want exactly the quota", n)
	}
}
