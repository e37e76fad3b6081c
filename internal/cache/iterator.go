package cache

// Iterator 遍历首次推进时已在索引中的条目；之后创建的条目可能被遗漏，打开失败的条目会被跳过。
type Iterator struct {
	backend *Backend
	hashes  []uint64
	started bool
}

// CreateIterator 开始一次单向遍历。
func (b *Backend) CreateIterator() *Iterator {
	b.checkSequence()
	return &Iterator{backend: b}
}

// OpenNextEntry 打开下一个条目，遍历结束时返回 ErrNoMoreEntries。
func (it *Iterator) OpenNextEntry(callback EntryResultFunc) error {
	b := it.backend
	b.checkSequence()
	if err := b.usable(); err != nil {
		return err
	}
	b.index.ExecuteWhenReady(func(err error) {
		it.openNextEntryImpl(callback, err)
	})
	return ErrIOPending
}

func (it *Iterator) openNextEntryImpl(callback EntryResultFunc, indexErr error) {
	b := it.backend
	if indexErr == nil {
		indexErr = b.usable()
	}
	if indexErr != nil {
		callback(EntryResult{Err: indexErr})
		return
	}
	if !it.started {
		it.hashes = b.index.GetAllHashes()
		it.started = true
	}

	for len(it.hashes) > 0 {
		hash := it.hashes[len(it.hashes)-1]
		it.hashes = it.hashes[:len(it.hashes)-1]
		if !b.index.Has(hash) {
			continue
		}
		res := b.OpenEntryFromHash(hash, func(res EntryResult) {
			it.checkIterationResult(callback, res)
		})
		if IsPending(res.Err) {
			return
		}
		if res.Err == nil {
			callback(res)
			return
		}
	}
	callback(EntryResult{Err: ErrNoMoreEntries})
}

// checkIterationResult 在条目已消失或损坏时继续下一个 hash。
func (it *Iterator) checkIterationResult(callback EntryResultFunc, res EntryResult) {
	if res.Err != nil && IsFailed(res.Err) {
		if err := it.OpenNextEntry(callback); !IsPending(err) {
			callback(EntryResult{Err: err})
		}
		return
	}
	callback(res)
}
