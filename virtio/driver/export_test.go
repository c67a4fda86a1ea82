package driver

import "github.com/c35s/barefw/virtio/virtq"

func (b *Block) Queue() *virtq.Queue {
	return b.q
}

func (n *Net) RxQueue() *virtq.Queue {
	return n.rx
}
