package virtq

// FreeListLen walks the free list.
func (q *Queue) FreeListLen() int {
	return q.free()
}
