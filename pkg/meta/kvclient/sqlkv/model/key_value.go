package model

// KeyValue is one row of the key_values table.
type KeyValue struct {
	Key            string `gorm:"column:kv_key;type:varchar(255);primaryKey"`
	Value          []byte `gorm:"column:value;type:longblob"`
	CreateRevision int64  `gorm:"column:create_revision;not null"`
	ModRevision    int64  `gorm:"column:mod_revision;not null;index"`
}

func (KeyValue) TableName() string {
	return "key_values"
}
