package com

// NetClient is anything connected over the network with an id.
type NetClient interface {
	Id() Uid
	Close()
}

// NetMap keeps live network clients by their ids.
type NetMap[T NetClient] struct{ *Map[Uid, T] }

func NewNetMap[T NetClient]() NetMap[T] { return NetMap[T]{Map: NewMap[Uid, T]()} }

func (m NetMap[T]) Add(client T)    { m.Put(client.Id(), client) }
func (m NetMap[T]) Remove(client T) { m.RemoveByKey(client.Id()) }

// CloseAll disconnects and forgets every client.
func (m NetMap[T]) CloseAll() {
	m.ForEach(func(c T) { c.Close(); m.Remove(c) })
}
