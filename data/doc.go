/*
Package data contains the records exchanged between a run and the runsync
service, the results sent back, and their wire format.

[Encode] and [Decode] convert a [Record] to and from the protobuf wire
format used on NATS and in the transaction log.
[ItemsFromDict] and [DictFromItems] convert between user values and the
JSON encoded items carried by history, summary and config records.
*/
package data
