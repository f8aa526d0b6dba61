package models

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// IssuedSerial is the registry of every serial ever handed out. Numbering is
// scan-based over this table: the next number in a bucket is max+1, so a
// serial is never reused even after its holder is deleted.
type IssuedSerial struct {
	ID           int        `gorm:"primary_key" json:"id"`
	BusinessId   string     `gorm:"index;not null;size:64;uniqueIndex:uniq_serial_number;uniqueIndex:uniq_serial_sequence" json:"business_id"`
	SerialType   SerialType `gorm:"size:2;not null;uniqueIndex:uniq_serial_sequence" json:"serial_type"`
	BucketKey    string     `gorm:"size:10;not null;uniqueIndex:uniq_serial_sequence" json:"bucket_key"`
	SequenceNo   int        `gorm:"not null;uniqueIndex:uniq_serial_sequence" json:"sequence_no"`
	SerialNumber string     `gorm:"size:30;not null;uniqueIndex:uniq_serial_number" json:"serial_number"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

const serialInsertAttempts = 3

type serialStyle struct {
	slashed bool // ST/MMYY/XXX vs PLyymmddXX
	width   int  // digits in the numeric suffix
}

func serialStyleFor(serialType SerialType) serialStyle {
	switch serialType {
	case SerialTypePackingList, SerialTypeCommissionSale:
		// daily bucket, compact form: PLyymmddXX
		return serialStyle{slashed: false, width: 2}
	default:
		// monthly bucket, slash form: ST/MMYY/XXX
		return serialStyle{slashed: true, width: 3}
	}
}

func serialBucketKey(serialType SerialType, refTime time.Time) string {
	if serialStyleFor(serialType).slashed {
		return refTime.Format("0106") // MMYY
	}
	return refTime.Format("060102") // yymmdd
}

func serialMaxNumber(style serialStyle) int {
	max := 1
	for i := 0; i < style.width; i++ {
		max *= 10
	}
	return max - 1
}

func formatSerial(serialType SerialType, bucketKey string, number int) string {
	style := serialStyleFor(serialType)
	if style.slashed {
		return fmt.Sprintf("%s/%s/%0*d", serialType, bucketKey, style.width, number)
	}
	return fmt.Sprintf("%s%s%0*d", serialType, bucketKey, style.width, number)
}

// NextSerial issues the next serial for (type, bucket) inside the caller's
// transaction. The bucket's advisory lock is held for the full scan+insert
// so two concurrent callers can never read the same max.
func NextSerial(tx *gorm.DB, businessId string, serialType SerialType, refTime time.Time) (string, error) {
	bucketKey := serialBucketKey(serialType, refTime)

	if err := acquireSerialBucketLock(tx, businessId, serialType, bucketKey); err != nil {
		return "", err
	}
	defer releaseSerialBucketLock(tx, businessId, serialType, bucketKey)

	serials, err := issueSerialsLocked(tx, businessId, serialType, bucketKey, 1)
	if err != nil {
		return "", err
	}
	return serials[0], nil
}

// ReserveSerialBlock issues n sequential serials in one reservation (bulk
// commission sales). When Redis is configured the bucket is additionally
// guarded across instances with a redislock, shrinking the window the MySQL
// advisory lock is contended during bulk imports.
func ReserveSerialBlock(tx *gorm.DB, businessId string, serialType SerialType, refTime time.Time, n int) ([]string, error) {
	if n <= 0 {
		return nil, errors.New("serial block size must be positive")
	}
	bucketKey := serialBucketKey(serialType, refTime)

	if locker := config.GetRedisLock(); locker != nil {
		key := fmt.Sprintf("serial:%s:%s:%s", businessId, serialType, bucketKey)
		lock, err := locker.Obtain(tx.Statement.Context, key, 15*time.Second, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 100),
		})
		if err != nil {
			return nil, &ConcurrentModificationError{Entity: "serial bucket", Key: key}
		}
		defer lock.Release(tx.Statement.Context)
	}

	if err := acquireSerialBucketLock(tx, businessId, serialType, bucketKey); err != nil {
		return nil, err
	}
	defer releaseSerialBucketLock(tx, businessId, serialType, bucketKey)

	return issueSerialsLocked(tx, businessId, serialType, bucketKey, n)
}

// issueSerialsLocked scans the registry max and inserts n new rows. Callers
// must hold the bucket lock; the unique index backstops it, so a duplicate
// insert (another writer slipping through) is retried with a fresh scan.
func issueSerialsLocked(tx *gorm.DB, businessId string, serialType SerialType, bucketKey string, n int) ([]string, error) {
	style := serialStyleFor(serialType)

	for attempt := 0; attempt < serialInsertAttempts; attempt++ {
		// Locking read: the advisory lock is released before the enclosing
		// transaction commits, so the scan must block on (and then see) a
		// row another writer inserted but has not committed yet.
		var maxNo *int
		err := tx.Raw(
			"SELECT MAX(sequence_no) FROM issued_serials WHERE business_id = ? AND serial_type = ? AND bucket_key = ? FOR UPDATE",
			businessId, serialType, bucketKey,
		).Scan(&maxNo).Error
		if err != nil {
			return nil, err
		}

		start := 1
		if maxNo != nil {
			start = *maxNo + 1
		}
		if start+n-1 > serialMaxNumber(style) {
			return nil, &SerialOverflowError{SerialType: serialType, BucketKey: bucketKey, Max: serialMaxNumber(style)}
		}

		rows := make([]IssuedSerial, 0, n)
		serials := make([]string, 0, n)
		for i := 0; i < n; i++ {
			serial := formatSerial(serialType, bucketKey, start+i)
			rows = append(rows, IssuedSerial{
				BusinessId:   businessId,
				SerialType:   serialType,
				BucketKey:    bucketKey,
				SequenceNo:   start + i,
				SerialNumber: serial,
			})
			serials = append(serials, serial)
		}
		err = tx.Create(&rows).Error
		if err == nil {
			return serials, nil
		}
		if !isDuplicateEntry(err) {
			return nil, err
		}
	}

	return nil, &ConcurrentModificationError{
		Entity: "serial bucket",
		Key:    fmt.Sprintf("%s:%s:%s", businessId, serialType, bucketKey),
	}
}

// Advisory locks are connection-scoped, so they must run on the transaction
// connection that performs the scan+insert.
func acquireSerialBucketLock(tx *gorm.DB, businessId string, serialType SerialType, bucketKey string) error {
	lockName := fmt.Sprintf("serial:%s:%s:%s", businessId, serialType, bucketKey)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire serial bucket lock %s", lockName)
	}
	return nil
}

func releaseSerialBucketLock(tx *gorm.DB, businessId string, serialType SerialType, bucketKey string) {
	lockName := fmt.Sprintf("serial:%s:%s:%s", businessId, serialType, bucketKey)
	var ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&ok).Error
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
