/*
Package client is the user side of runsync. A program being tracked opens a
stream on the runsync service with [Open] and then logs data through the
returned [Run].

Records travel over NATS. Records that need no answer are published, records
that need a [data.Result] are sent as requests, see [Backend].

This package also contains [RunGroup], used to start and stop long running
components together.
*/
package client
