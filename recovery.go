package sequoia

import (
	"github.com/elliotcourant/sequoia/pb"
	"github.com/elliotcourant/timber"
)

type (
	// recoveredBatch is a prepared batch reconstructed from the write-ahead log whose
	// transaction had not been resolved when the database went down.
	recoveredBatch struct {
		name     string
		firstSeq uint64
		count    int
		records  []pb.Record
	}
)

// replayWal rebuilds the memtables and the prepared transaction state from the write-ahead log.
//
// Replay deliberately installs no visibility entries for resolved transactions: once the log is
// exhausted nothing is in flight, so every replayed sequence number at or below the restored
// published sequence is visible by default. Only the sequence numbers of transactions whose
// prepare marker was never followed by a commit or rollback marker are re-registered as
// prepared, which keeps their already applied data invisible exactly as before the restart.
func (db *DB) replayWal() error {
	comparators := db.getComparatorMap()

	pending := make(map[string]*recoveredBatch)
	var latestState *pb.BatchPayload
	var latestStateCount int
	maxSeq := uint64(0)

	err := db.wal.replay(db.opts.ChecksumVerification, func(payload *pb.BatchPayload) error {
		count, err := countSubBatches(payload.Records, comparators)
		if err != nil {
			return err
		}

		if last := payload.FirstSequence + uint64(count) - 1; last > maxSeq {
			maxSeq = last
		}

		var endPrepareName, commitName, rollbackName string
		for i := range payload.Records {
			switch payload.Records[i].Kind {
			case pb.RecordEndPrepare:
				endPrepareName = string(payload.Records[i].Key)
			case pb.RecordCommit:
				commitName = string(payload.Records[i].Key)
			case pb.RecordRollback:
				rollbackName = string(payload.Records[i].Key)
			}
		}

		switch {
		case endPrepareName != "":
			db.applyToMemtables(payload.Records, payload.FirstSequence, count)
			pending[endPrepareName] = &recoveredBatch{
				name:     endPrepareName,
				firstSeq: payload.FirstSequence,
				count:    count,
				records:  payload.Records,
			}

		case rollbackName != "":
			// The inverse batch restored the pre-transaction values; replaying it shadows the
			// withdrawn writes just as it did originally.
			db.applyToMemtables(payload.Records, payload.FirstSequence, count)
			if _, ok := pending[rollbackName]; !ok {
				timber.Warningf("rollback marker for unknown transaction %s", rollbackName)
			}
			delete(pending, rollbackName)

		case commitName != "":
			if _, ok := pending[commitName]; !ok {
				timber.Warningf("commit marker for unknown transaction %s", commitName)
			}
			delete(pending, commitName)

			if payload.Flags&pb.BatchLatestPersistentState != 0 {
				// Only the newest batch carrying the latest persistent state may be applied;
				// every older one it supersedes is skipped.
				latestState = payload
				latestStateCount = count
			} else {
				db.applyToMemtables(payload.Records, payload.FirstSequence, count)
			}

		default:
			// A plain batch commits itself; its data is simply visible.
			db.applyToMemtables(payload.Records, payload.FirstSequence, count)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if latestState != nil {
		db.applyToMemtables(latestState.Records, latestState.FirstSequence, latestStateCount)
	}

	db.orc.Lock()
	db.orc.nextSequence = maxSeq + 1
	db.orc.Unlock()
	db.orc.publishMark.SetDoneUntil(maxSeq)
	db.orc.readMark.SetDoneUntil(maxSeq)

	for name, batch := range pending {
		timber.Warningf("recovered prepared transaction %s at sequence %d", name, batch.firstSeq)

		for i := 0; i < batch.count; i++ {
			db.orc.addPrepared(batch.firstSeq + uint64(i))
		}

		pendingBatch := newWriteBatch(comparators)
		pendingBatch.records = batch.records

		db.eventLog.Printf("recovered prepared transaction %s [%d, %d)", name, batch.firstSeq, batch.firstSeq+uint64(batch.count))

		db.recovered[name] = &Transaction{
			db:                db,
			name:              name,
			update:            true,
			id:                batch.firstSeq,
			state:             txnPrepared,
			snapshot:          db.NewSnapshot(),
			pendingBatch:      pendingBatch,
			commitTimeBatch:   newWriteBatch(comparators),
			prepareBatchCount: batch.count,
			trackedKeys:       make(map[ColumnFamilyId]map[string]uint64),
			heldLatches:       make(map[string]struct{}),
		}
	}

	db.eventLog.Printf("write-ahead log replayed, max sequence %d", maxSeq)

	return nil
}

// PreparedTransactions returns the transactions that were prepared but unresolved when the
// write-ahead log was last replayed. Each one is waiting for the caller to Commit or Rollback it.
func (db *DB) PreparedTransactions() []*Transaction {
	db.recoveredLock.Lock()
	defer db.recoveredLock.Unlock()

	transactions := make([]*Transaction, 0, len(db.recovered))
	for _, t := range db.recovered {
		transactions = append(transactions, t)
	}
	return transactions
}

// GetRecoveredTransaction looks a recovered prepared transaction up by name.
func (db *DB) GetRecoveredTransaction(name string) (*Transaction, bool) {
	db.recoveredLock.Lock()
	defer db.recoveredLock.Unlock()

	t, ok := db.recovered[name]
	return t, ok
}

func (db *DB) removeRecovered(name string) {
	if name == "" {
		return
	}

	db.recoveredLock.Lock()
	defer db.recoveredLock.Unlock()

	delete(db.recovered, name)
}
