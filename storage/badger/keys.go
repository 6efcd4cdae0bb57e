// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package badger

import (
	"encoding/binary"
	"fmt"
)

const (
	catalogItemPrefix  = "catitm:"
	flowPrefix         = "flow:"
	queueMessageInfix  = "msg:"
	queueDeadInfix     = "dlq:"
	queuePrefixPattern = "queue:%s:"
	queueSeqPattern    = "queueseq:%s"
)

func makeCatalogItemKey(id string) []byte {
	return []byte(catalogItemPrefix + id)
}

func makeFlowKey(objectKey string) []byte {
	return []byte(flowPrefix + objectKey)
}

func makeQueuePrefix(queue string) string {
	return fmt.Sprintf(queuePrefixPattern, queue)
}

func makeQueueSeqName(queue string) string {
	return fmt.Sprintf(queueSeqPattern, queue)
}

func makePartialMessageKey(queue string) []byte {
	return []byte(makeQueuePrefix(queue) + queueMessageInfix)
}

func makePartialDeadKey(queue string) []byte {
	return []byte(makeQueuePrefix(queue) + queueDeadInfix)
}

// Message keys end in the big-endian sequence number so that prefix
// iteration returns messages in send order.
func makeMessageKey(queue string, id uint64) []byte {
	return appendID(makePartialMessageKey(queue), id)
}

func makeDeadKey(queue string, id uint64) []byte {
	return appendID(makePartialDeadKey(queue), id)
}

func appendID(prefix []byte, id uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], id)
	return buf
}
