package service

import (
	"context"
	"sync"
	"time"

	"github.com/nmarkman/delivery-desk/internal/client/crm"
	"github.com/nmarkman/delivery-desk/internal/config"
	"github.com/nmarkman/delivery-desk/internal/models"
	"github.com/nmarkman/delivery-desk/internal/repository"
)

// stubRepo is an in-memory Store. Rows are keyed by crm_id the way the
// database unique index keys them; UpdatedAt advances on every write so the
// optimistic guard behaves like the real thing.
type stubRepo struct {
	mu sync.Mutex

	conns map[uint64]*models.Connection
	opps  map[string]*models.Opportunity
	items map[string]*models.LineItem
	deliv map[string]*models.Deliverable
	logs  []*models.SyncLog

	nextID uint64
	clock  time.Time

	// guardRejections makes the next N guarded updates report a lost race.
	guardRejections int
	insertOppErr    error
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		conns: make(map[uint64]*models.Connection),
		opps:  make(map[string]*models.Opportunity),
		items: make(map[string]*models.LineItem),
		deliv: make(map[string]*models.Deliverable),
		clock: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

var _ repository.Store = (*stubRepo)(nil)

func (s *stubRepo) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *stubRepo) addConnection(conn models.Connection) *models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	conn.ID = s.nextID
	s.conns[conn.ID] = &conn
	return &conn
}

func (s *stubRepo) GetActiveConnection(ctx context.Context, tenantID string) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.TenantID == tenantID && conn.Active {
			cp := *conn
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubRepo) GetConnectionByID(ctx context.Context, id uint64) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return nil, nil
	}
	cp := *conn
	return &cp, nil
}

func (s *stubRepo) ListConnections(ctx context.Context) ([]models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		out = append(out, *conn)
	}
	return out, nil
}

func (s *stubRepo) ListDueConnections(ctx context.Context, now time.Time) ([]models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Connection
	for id := uint64(1); id <= s.nextID; id++ {
		conn, ok := s.conns[id]
		if !ok || !conn.Active {
			continue
		}
		if conn.NextSyncAt == nil || !conn.NextSyncAt.After(now) {
			out = append(out, *conn)
		}
	}
	return out, nil
}

func (s *stubRepo) CreateConnection(ctx context.Context, item *models.Connection) error {
	created := s.addConnection(*item)
	item.ID = created.ID
	return nil
}

func (s *stubRepo) SaveConnectionToken(ctx context.Context, id uint64, token string, issuedAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[id]; ok {
		conn.AccessToken = &token
		conn.TokenIssuedAt = &issuedAt
		conn.TokenExpiresAt = &expiresAt
	}
	return nil
}

func (s *stubRepo) ClearConnectionToken(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[id]; ok {
		conn.AccessToken = nil
		conn.TokenIssuedAt = nil
		conn.TokenExpiresAt = nil
	}
	return nil
}

func (s *stubRepo) UpdateConnectionStatus(ctx context.Context, id uint64, status string, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[id]; ok {
		conn.Status = status
		conn.LastError = lastError
	}
	return nil
}

func (s *stubRepo) UpdateConnectionSyncState(ctx context.Context, id uint64, syncStatus string, lastSyncAt, nextSyncAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[id]; ok {
		conn.SyncStatus = syncStatus
		if lastSyncAt != nil {
			conn.LastSyncAt = lastSyncAt
		}
		if nextSyncAt != nil {
			conn.NextSyncAt = nextSyncAt
		}
	}
	return nil
}

func (s *stubRepo) AddConnectionAPICalls(ctx context.Context, id uint64, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[id]; ok {
		conn.APICallCount += n
	}
	return nil
}

func (s *stubRepo) GetOpportunityByCRMID(ctx context.Context, crmID string) (*models.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.opps[crmID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *stubRepo) InsertOpportunity(ctx context.Context, item *models.Opportunity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertOppErr != nil {
		return false, s.insertOppErr
	}
	if _, exists := s.opps[item.CRMID]; exists {
		return false, nil
	}
	s.nextID++
	item.ID = s.nextID
	item.CreatedAt = s.tick()
	item.UpdatedAt = item.CreatedAt
	cp := *item
	s.opps[item.CRMID] = &cp
	return true, nil
}

func (s *stubRepo) UpdateOpportunityGuarded(ctx context.Context, item *models.Opportunity, seenUpdatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.opps[item.CRMID]
	if !ok {
		return false, nil
	}
	if s.guardRejections > 0 {
		s.guardRejections--
		row.UpdatedAt = s.tick()
		return false, nil
	}
	if !row.UpdatedAt.Equal(seenUpdatedAt) {
		return false, nil
	}
	cp := *item
	cp.ID = row.ID
	cp.CreatedAt = row.CreatedAt
	cp.UpdatedAt = s.tick()
	s.opps[item.CRMID] = &cp
	return true, nil
}

func (s *stubRepo) ActiveOpportunityMap(ctx context.Context, tenantID string) (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64)
	for crmID, row := range s.opps {
		if row.TenantID != tenantID || row.SoftDeletedAt != nil {
			continue
		}
		if row.Status != models.OpportunityStatusActive {
			continue
		}
		out[crmID] = row.ID
	}
	return out, nil
}

func (s *stubRepo) GetLineItemByCRMID(ctx context.Context, crmID string) (*models.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.items[crmID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *stubRepo) InsertLineItem(ctx context.Context, item *models.LineItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.CRMID]; exists {
		return false, nil
	}
	s.nextID++
	item.ID = s.nextID
	item.CreatedAt = s.tick()
	item.UpdatedAt = item.CreatedAt
	cp := *item
	s.items[item.CRMID] = &cp
	return true, nil
}

func (s *stubRepo) UpdateLineItemGuarded(ctx context.Context, item *models.LineItem, seenUpdatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.items[item.CRMID]
	if !ok {
		return false, nil
	}
	if !row.UpdatedAt.Equal(seenUpdatedAt) {
		return false, nil
	}
	cp := *item
	cp.ID = row.ID
	cp.CreatedAt = row.CreatedAt
	cp.UpdatedAt = s.tick()
	s.items[item.CRMID] = &cp
	return true, nil
}

func (s *stubRepo) GetDeliverableByCRMID(ctx context.Context, crmID string) (*models.Deliverable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.deliv[crmID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *stubRepo) InsertDeliverable(ctx context.Context, item *models.Deliverable) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliv[item.CRMID]; exists {
		return false, nil
	}
	s.nextID++
	item.ID = s.nextID
	item.CreatedAt = s.tick()
	item.UpdatedAt = item.CreatedAt
	cp := *item
	s.deliv[item.CRMID] = &cp
	return true, nil
}

func (s *stubRepo) UpdateDeliverableGuarded(ctx context.Context, item *models.Deliverable, seenUpdatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.deliv[item.CRMID]
	if !ok {
		return false, nil
	}
	if !row.UpdatedAt.Equal(seenUpdatedAt) {
		return false, nil
	}
	cp := *item
	cp.ID = row.ID
	cp.CreatedAt = row.CreatedAt
	cp.UpdatedAt = s.tick()
	s.deliv[item.CRMID] = &cp
	return true, nil
}

func (s *stubRepo) InsertSyncLog(ctx context.Context, item *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	item.ID = s.nextID
	cp := *item
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *stubRepo) UpdateSyncLog(ctx context.Context, item *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.logs {
		if row.ID == item.ID {
			cp := *item
			s.logs[i] = &cp
			return nil
		}
	}
	return nil
}

func (s *stubRepo) ListSyncLogs(ctx context.Context, params repository.ListSyncLogsParams) ([]models.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncLog
	for _, row := range s.logs {
		if params.TenantID != nil && (row.TenantID == nil || *row.TenantID != *params.TenantID) {
			continue
		}
		if params.BatchID != nil && row.BatchID != *params.BatchID {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

// stubAPI scripts vendor responses per endpoint.
type stubAPI struct {
	mu sync.Mutex

	opportunities []crm.Opportunity
	oppErr        error
	tasks         []crm.Task
	taskErr       error
	products      map[string][]crm.Product
	productErr    map[string]error

	productCalls []string
	panicOnOpps  bool
}

func (a *stubAPI) GetOpportunities(ctx context.Context, conn *models.Connection) ([]crm.Opportunity, error) {
	if a.panicOnOpps {
		panic("vendor decoder blew up")
	}
	return a.opportunities, a.oppErr
}

func (a *stubAPI) GetTasks(ctx context.Context, conn *models.Connection) ([]crm.Task, error) {
	return a.tasks, a.taskErr
}

func (a *stubAPI) GetOpportunityProducts(ctx context.Context, conn *models.Connection, opportunityID string) ([]crm.Product, error) {
	a.mu.Lock()
	a.productCalls = append(a.productCalls, opportunityID)
	a.mu.Unlock()
	if err, ok := a.productErr[opportunityID]; ok {
		return nil, err
	}
	return a.products[opportunityID], nil
}

func newTestSyncService(store *stubRepo, api *stubAPI) *SyncService {
	cfg := config.SyncConfig{ProductFetchBatchSize: 2, ProductFetchBatchWait: time.Millisecond}
	s := NewSyncService(store, api, cfg, nil)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}
