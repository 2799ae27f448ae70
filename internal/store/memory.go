package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	nextID       int64
	accounts     map[int64]Account
	repositories map[int64]Repository
	links        map[int64]Link
	snapshots    map[int64][]byte
	members      map[int64]map[int64]Member
	userEmails   map[int64][]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:          now,
		accounts:     make(map[int64]Account),
		repositories: make(map[int64]Repository),
		links:        make(map[int64]Link),
		snapshots:    make(map[int64][]byte),
		members:      make(map[int64]map[int64]Member),
		userEmails:   make(map[int64][]string),
	}
}

// AddProjectMember registers userID as a member of projectID with its verified emails.
func (s *MemoryStore) AddProjectMember(projectID, userID int64, verifiedEmails ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.members[projectID]
	if !ok {
		byUser = make(map[int64]Member)
		s.members[projectID] = byUser
	}
	byUser[userID] = Member{ProjectID: projectID, UserID: userID}
	s.userEmails[userID] = append(s.userEmails[userID], verifiedEmails...)
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}

// GetAccount returns the account connected by userID.
func (s *MemoryStore) GetAccount(_ context.Context, userID int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

// UpsertAccount inserts or replaces the account for account.UserID.
func (s *MemoryStore) UpsertAccount(_ context.Context, account Account) (Account, error) {
	if account.UserID <= 0 {
		return Account{}, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.accounts[account.UserID]; ok {
		account.ID = existing.ID
		account.CreatedAt = existing.CreatedAt
	} else {
		account.ID = s.allocateID()
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	s.accounts[account.UserID] = account
	return account, nil
}

// DeleteAccount removes the account connected by userID.
func (s *MemoryStore) DeleteAccount(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		return ErrNotFound
	}
	delete(s.accounts, userID)
	return nil
}

// UpsertRepository inserts or updates a repository keyed by its GitHub id.
// A nil installation id or creation time keeps the stored value.
func (s *MemoryStore) UpsertRepository(_ context.Context, repo Repository) (Repository, error) {
	if repo.GithubRepoID <= 0 {
		return Repository{}, fmt.Errorf("github repo id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for id, existing := range s.repositories {
		if existing.GithubRepoID != repo.GithubRepoID {
			continue
		}
		repo.ID = id
		repo.CreatedAt = existing.CreatedAt
		if repo.InstallationID == nil {
			repo.InstallationID = existing.InstallationID
		}
		if repo.RepoCreatedAt == nil {
			repo.RepoCreatedAt = existing.RepoCreatedAt
		}
		repo.UpdatedAt = now
		s.repositories[id] = repo
		return repo, nil
	}

	repo.ID = s.allocateID()
	repo.CreatedAt = now
	repo.UpdatedAt = now
	s.repositories[repo.ID] = repo
	return repo, nil
}

// GetRepository returns a repository by internal id.
func (s *MemoryStore) GetRepository(_ context.Context, id int64) (Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, ok := s.repositories[id]
	if !ok {
		return Repository{}, ErrNotFound
	}
	return repo, nil
}

// CreateLink inserts an active link. It fails with ErrConflict when the
// project already has an active link.
func (s *MemoryStore) CreateLink(_ context.Context, link Link) (Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repositories[link.RepositoryID]; !ok {
		return Link{}, fmt.Errorf("repository %d: %w", link.RepositoryID, ErrNotFound)
	}
	for _, existing := range s.links {
		if existing.ProjectID == link.ProjectID && existing.IsActive {
			return Link{}, ErrConflict
		}
	}

	now := s.now().UTC()
	link.ID = s.allocateID()
	link.IsActive = true
	link.CreatedAt = now
	link.UpdatedAt = now
	s.links[link.ID] = link
	return link, nil
}

// GetLink returns a link by id, active or not.
func (s *MemoryStore) GetLink(_ context.Context, id int64) (Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[id]
	if !ok {
		return Link{}, ErrNotFound
	}
	return link, nil
}

// ListLinks returns the active links of a project, newest first.
func (s *MemoryStore) ListLinks(_ context.Context, projectID int64) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var links []Link
	for _, link := range s.links {
		if link.ProjectID == projectID && link.IsActive {
			links = append(links, link)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].ID > links[j].ID })
	return links, nil
}

// ActiveLinkForProject returns the project's active link.
func (s *MemoryStore) ActiveLinkForProject(ctx context.Context, projectID int64) (Link, error) {
	links, err := s.ListLinks(ctx, projectID)
	if err != nil {
		return Link{}, err
	}
	if len(links) == 0 {
		return Link{}, ErrNotFound
	}
	return links[0], nil
}

// DeactivateLink soft-deletes a link.
func (s *MemoryStore) DeactivateLink(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return ErrNotFound
	}
	link.IsActive = false
	link.UpdatedAt = s.now().UTC()
	s.links[id] = link
	return nil
}

// UpdateSyncSettings replaces a link's auto-sync configuration.
func (s *MemoryStore) UpdateSyncSettings(_ context.Context, id int64, settings SyncSettings) (Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return Link{}, ErrNotFound
	}
	link.AutoSyncEnabled = settings.AutoSyncEnabled
	link.SyncIntervalMinutes = settings.SyncIntervalMinutes
	link.NextSyncAt = cloneTime(settings.NextSyncAt)
	link.UpdatedAt = s.now().UTC()
	s.links[id] = link
	return link, nil
}

// ListDueLinks returns active auto-sync links whose next sync is at or before now.
// A link that was never synced is always due.
func (s *MemoryStore) ListDueLinks(_ context.Context, now time.Time, limit int) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Link
	for _, link := range s.links {
		if !link.IsActive || !link.AutoSyncEnabled {
			continue
		}
		if link.NextSyncAt != nil && link.NextSyncAt.After(now) {
			continue
		}
		due = append(due, link)
	}
	sort.Slice(due, func(i, j int) bool {
		return dueTime(due[i]).Before(dueTime(due[j])) ||
			(dueTime(due[i]).Equal(dueTime(due[j])) && due[i].ID < due[j].ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// SaveSnapshot stores a snapshot and updates the link's sync timestamps atomically.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot Snapshot, sync LinkSync) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[snapshot.LinkID]
	if !ok {
		return Snapshot{}, fmt.Errorf("link %d: %w", snapshot.LinkID, ErrNotFound)
	}

	snapshot.ID = s.allocateID()
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}

	lastSynced := sync.LastSyncedAt.UTC()
	nextSync := sync.NextSyncAt.UTC()
	link.LastSyncedAt = &lastSynced
	link.NextSyncAt = &nextSync
	link.UpdatedAt = s.now().UTC()

	s.snapshots[snapshot.ID] = encoded
	s.links[link.ID] = link
	return decodeSnapshot(encoded)
}

// GetSnapshot returns a snapshot by id.
func (s *MemoryStore) GetSnapshot(_ context.Context, id int64) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	encoded, ok := s.snapshots[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return decodeSnapshot(encoded)
}

// LatestSnapshot returns the most recently analysed snapshot of a link.
func (s *MemoryStore) LatestSnapshot(ctx context.Context, linkID int64) (Snapshot, error) {
	summaries, err := s.ListSnapshots(ctx, linkID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(summaries) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return s.GetSnapshot(ctx, summaries[0].ID)
}

// ListSnapshots returns snapshot summaries of a link, newest first.
func (s *MemoryStore) ListSnapshots(_ context.Context, linkID int64) ([]SnapshotSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []SnapshotSummary
	for _, encoded := range s.snapshots {
		snapshot, err := decodeSnapshot(encoded)
		if err != nil {
			return nil, err
		}
		if snapshot.LinkID == linkID {
			summaries = append(summaries, snapshot.Summary())
		}
	}
	sortSummaries(summaries)
	return summaries, nil
}

// IsProjectMember reports whether userID belongs to projectID.
func (s *MemoryStore) IsProjectMember(_ context.Context, projectID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.members[projectID][userID]
	return ok, nil
}

// ListProjectMembers returns members with their verified emails and connected GitHub login.
func (s *MemoryStore) ListProjectMembers(_ context.Context, projectID int64) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]Member, 0, len(s.members[projectID]))
	for userID, member := range s.members[projectID] {
		member.VerifiedEmails = slices.Clone(s.userEmails[userID])
		if account, ok := s.accounts[userID]; ok {
			member.GithubLogin = account.Login
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

func (s *MemoryStore) allocateID() int64 {
	s.nextID++
	return s.nextID
}

func decodeSnapshot(encoded []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(encoded, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func sortSummaries(summaries []SnapshotSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].AnalysedAt.Equal(summaries[j].AnalysedAt) {
			return summaries[i].AnalysedAt.After(summaries[j].AnalysedAt)
		}
		return summaries[i].ID > summaries[j].ID
	})
}

func dueTime(link Link) time.Time {
	if link.NextSyncAt == nil {
		return time.Time{}
	}
	return *link.NextSyncAt
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	cloned := value.UTC()
	return &cloned
}
