package model

import (
	"gorm.io/gorm"
)

const (
	DefaultEpochPK  = 1
	DefaultMinEpoch = 0
)

// LogicEpoch is a single row counter. Every write to key_values bumps it
// inside the same transaction and uses the new value as its revision, the
// row lock also serialises concurrent writers.
type LogicEpoch struct {
	SeqID uint  `gorm:"column:seq_id;primaryKey"`
	Epoch int64 `gorm:"column:epoch;type:bigint not null default 0"`
}

func (LogicEpoch) TableName() string {
	return "logic_revisions"
}

// InitializeEpoch adds the counter row if it does not exist yet.
func InitializeEpoch(db *gorm.DB) error {
	var logicEp LogicEpoch
	res := db.Where("seq_id = ?", DefaultEpochPK).Limit(1).Find(&logicEp)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return db.Create(&LogicEpoch{
		SeqID: DefaultEpochPK,
		Epoch: DefaultMinEpoch,
	}).Error
}

// GenEpoch increases the counter and returns the new value. It must run
// inside the caller's transaction.
func GenEpoch(tx *gorm.DB) (int64, error) {
	//(1)update epoch = epoch + 1
	if err := tx.Model(&LogicEpoch{}).Where("seq_id = ?", DefaultEpochPK).
		Update("epoch", gorm.Expr("epoch + ?", 1)).Error; err != nil {
		return 0, err
	}

	//(2)select epoch
	return CurrentEpoch(tx)
}

// CurrentEpoch returns the latest handed out revision.
func CurrentEpoch(db *gorm.DB) (int64, error) {
	var logicEp LogicEpoch
	if err := db.Where("seq_id = ?", DefaultEpochPK).First(&logicEp).Error; err != nil {
		return 0, err
	}
	return logicEp.Epoch, nil
}
