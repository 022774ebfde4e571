package jobs

import (
	"time"

	"github.com/flow-hydraulics/blaze-client/datastore"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db}
}

func (s *GormStore) Jobs(o datastore.ListOptions) (jj []Job, err error) {
	err = s.db.
		Order("created_at desc").
		Limit(o.Limit).
		Offset(o.Offset).
		Find(&jj).Error
	return
}

func (s *GormStore) Job(id uuid.UUID) (job Job, err error) {
	err = s.db.First(&job, "id = ?", id).Error
	return
}

func (s *GormStore) InsertJob(job *Job) error {
	return s.db.Create(job).Error
}

func (s *GormStore) UpdateJob(job *Job) error {
	return s.db.Save(job).Error
}

func (s *GormStore) Status() (res []StatusQuery, err error) {
	err = s.db.Model(&Job{}).
		Select("state, COUNT(*) as count").
		Group("state").
		Find(&res).Error
	return
}

func (s *GormStore) PruneJobs(t time.Time) (int64, error) {
	res := s.db.
		Where("state IN ? AND updated_at < ?", []string{string(Completed), string(Cancelled), string(Failed)}, t).
		Delete(&Job{})
	return res.RowsAffected, res.Error
}
