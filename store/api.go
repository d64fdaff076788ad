// Package store implements chatstore.IMessageStore: messageStore on MySQL, memoryStore in process.
package store

import "github.com/mqy/minichat/chatstore"

var (
	_ chatstore.IMessageStore = (*messageStore)(nil)
	_ chatstore.IMessageStore = (*memoryStore)(nil)
)
