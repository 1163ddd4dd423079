package pagealloc

// buddyPool is a binary buddy allocator over a page range [start, start+pages).
// It deals in page indices only; the Allocator turns them into blocks.
// Not safe for concurrent use.
type buddyPool struct {
	start    int32
	pages    int32
	maxOrder uint8

	// free[k] holds the head page of every free block of order k.
	free [][]int32
	// freeOrder[p-start] is k+1 when p heads a free block of order k, else 0.
	freeOrder []uint8
	// slot[p-start] is p's position inside free[k] while it is listed.
	slot []int32

	freePages int32
}

func newBuddyPool(start, pages int32, maxOrder uint8) *buddyPool {
	bp := &buddyPool{
		start:     start,
		pages:     pages,
		maxOrder:  maxOrder,
		free:      make([][]int32, maxOrder+1),
		freeOrder: make([]uint8, pages),
		slot:      make([]int32, pages),
	}
	step := int32(1) << maxOrder
	// Push in reverse so the lowest addresses are handed out first.
	for p := start + pages - step; p >= start; p -= step {
		bp.push(p, maxOrder)
	}
	return bp
}

func (bp *buddyPool) push(head int32, order uint8) {
	rel := head - bp.start
	bp.slot[rel] = int32(len(bp.free[order]))
	bp.freeOrder[rel] = order + 1
	bp.free[order] = append(bp.free[order], head)
	bp.freePages += 1 << order
}

func (bp *buddyPool) pop(order uint8) int32 {
	list := bp.free[order]
	head := list[len(list)-1]
	bp.free[order] = list[:len(list)-1]
	bp.freeOrder[head-bp.start] = 0
	bp.freePages -= 1 << order
	return head
}

// remove unlinks a specific free head from free[order].
func (bp *buddyPool) remove(head int32, order uint8) {
	rel := head - bp.start
	list := bp.free[order]
	i := bp.slot[rel]
	last := list[len(list)-1]
	list[i] = last
	bp.slot[last-bp.start] = i
	bp.free[order] = list[:len(list)-1]
	bp.freeOrder[rel] = 0
	bp.freePages -= 1 << order
}

// alloc returns the head page of a free block of the given order, splitting
// a larger block when needed.
func (bp *buddyPool) alloc(order uint8) (int32, bool) {
	k := order
	for k <= bp.maxOrder && len(bp.free[k]) == 0 {
		k++
	}
	if k > bp.maxOrder {
		return 0, false
	}
	head := bp.pop(k)
	for k > order {
		k--
		bp.push(head+int32(1)<<k, k)
	}
	return head, true
}

// release returns a block and merges it with free buddies.
func (bp *buddyPool) release(head int32, order uint8) {
	for order < bp.maxOrder {
		buddy := bp.start + ((head - bp.start) ^ (int32(1) << order))
		if bp.freeOrder[buddy-bp.start] != order+1 {
			break
		}
		bp.remove(buddy, order)
		head = min(head, buddy)
		order++
	}
	bp.push(head, order)
}

func (bp *buddyPool) contains(page int32) bool {
	return page >= bp.start && page < bp.start+bp.pages
}

// largestFree returns the highest order with a free block, or -1.
func (bp *buddyPool) largestFree() int {
	for k := int(bp.maxOrder); k >= 0; k-- {
		if len(bp.free[k]) > 0 {
			return k
		}
	}
	return -1
}
