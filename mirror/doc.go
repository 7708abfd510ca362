/*
Package mirror holds the data model shared by the mirror scheduling and
synchronization engine and the interfaces of its collaborators.

A mirror is a locally managed repository whose refs are periodically pulled
from a remote repository. Every pull (a sync attempt) is filtered by an
UpdateFilter built from the mirror's Configuration, and its outcome is
recorded as the current Status plus a bounded history of LogEntry values.

The engine itself lives in the filter, store, scheduler and worker packages.
The actual transfer of objects is done by a Syncer implementation such as
the one provided by the gitsync package.
*/
package mirror
