// Package safety runs the micro-commit protocol: every file mutation an
// autonomous persona makes is validated, captured, applied and recorded
// as one reversible commit.
//
// # Threat Model
//
// T1 - Path Traversal: change-set paths come from persona output and could
// name files outside the project root via ".." segments, absolute paths or
// symlinked ancestors. The path validator rejects all three and refuses
// writes into the aion state directory itself.
//
// T2 - Binary or Malformed Content: content must be present for create and
// update, absent for delete, and valid UTF-8 text unless binary content is
// explicitly allowed.
//
// T3 - Policy Violations: the content-policy validator caps file size and
// blocks writes below denied directories such as .git.
//
// T4 - Secret Leakage: the secret validator rejects content matching known
// credential shapes. It reports the pattern name, never the match.
//
// T5 - Unrecorded Mutation: a crash between apply and ledger append leaves
// files changed with no commit. Reconcile finds snapshots no commit refers
// to and reports whether the files still match their pre-image.
//
// # Protocol
//
// MicroCommit validates, digests, captures the pre-image, persists it,
// applies operations in the given order and appends the commit. Nothing
// reaches the ledger unless every earlier step succeeded. Rollback is only
// ever caller initiated.
package safety
