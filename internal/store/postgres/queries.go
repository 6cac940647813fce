package postgres

const activationColumns = `id, market_id, fire_at, state, payload, attempts, created_at, fired_at, completed_at`

const queryInsertActivation = `
INSERT INTO activations (id, market_id, fire_at, state, payload, attempts, created_at)
VALUES ($1, $2, $3, 'pending', $4, 0, $5)
`

const queryHasPending = `
SELECT EXISTS(SELECT 1 FROM activations WHERE market_id = $1 AND state = 'pending')
`

const queryCountPending = `
SELECT COUNT(*) FROM activations WHERE state = 'pending'
`

const queryPendingFor = `
SELECT ` + activationColumns + `
FROM activations
WHERE market_id = $1 AND state = 'pending'
`

const queryCancelActivation = `
UPDATE activations
SET state = 'cancelled', cancelled_at = NOW()
WHERE id = $1
  AND state = 'pending'
`

const queryCancelMarket = `
UPDATE activations
SET state = 'cancelled', cancelled_at = NOW()
WHERE market_id = $1
  AND state = 'pending'
`

// Rows are locked with SKIP LOCKED so concurrent schedulers never claim the
// same activation.
const queryClaimDue = `
WITH due AS (
    SELECT id FROM activations
    WHERE state = 'pending'
      AND fire_at <= $1
    ORDER BY fire_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE activations
SET state = 'fired', fired_at = $1, completed_at = NULL, attempts = activations.attempts + 1
FROM due
WHERE activations.id = due.id
RETURNING activations.id, activations.market_id, activations.fire_at, activations.state,
          activations.payload, activations.attempts, activations.created_at,
          activations.fired_at, activations.completed_at
`

const queryCompleteActivation = `
UPDATE activations
SET completed_at = $2
WHERE id = $1
  AND state = 'fired'
  AND completed_at IS NULL
`

// Stale activations whose market already has a newer pending record are
// closed instead of requeued.
const querySupersedeStale = `
UPDATE activations AS a
SET completed_at = $1
WHERE a.state = 'fired'
  AND a.completed_at IS NULL
  AND a.fired_at < $1
  AND EXISTS (
      SELECT 1 FROM activations p
      WHERE p.market_id = a.market_id AND p.state = 'pending'
  )
`

const queryStaleCandidates = `
SELECT id, market_id FROM activations
WHERE state = 'fired'
  AND completed_at IS NULL
  AND fired_at < $1
ORDER BY fired_at DESC
LIMIT $2
`

const queryRequeueOne = `
UPDATE activations AS a
SET state = 'pending', fired_at = NULL
WHERE a.id = $1
  AND a.state = 'fired'
  AND a.completed_at IS NULL
  AND NOT EXISTS (
      SELECT 1 FROM activations p
      WHERE p.market_id = a.market_id AND p.state = 'pending'
  )
`

const queryCloseStale = `
UPDATE activations
SET completed_at = $2
WHERE id = $1
  AND state = 'fired'
  AND completed_at IS NULL
`

const queryNextFireAt = `
SELECT MIN(fire_at) FROM activations WHERE state = 'pending'
`

const queryInsertSnapshot = `
INSERT INTO market_snapshots (market_id, venue, label, tag, settled, entrants, captured_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
