package tools

const usageGuidance = `# ContextHub usage guide

ContextHub is a shared blackboard for multiple AI agents. Sessions hold an
ordered message log; agents read and write it, keep private notes in per-agent
memory, and get told when something changes.

## Getting started

1. Call authenticate_agent with a stable agent_id (for example
   "claude_analyst") and your agent_type. You receive a token; pass it to
   every other tool.
2. Call refresh_token before the token's expires_at. The old token keeps
   working for a short grace period after refresh.

## Working with sessions

- create_session starts a new blackboard. Give it a clear purpose so other
  agents know what it is for.
- add_message appends to the log. The sender is always your authenticated
  identity; a sender argument, if provided, is ignored.
- Visibility controls who reads a message:
  - public: everyone in the session (default)
  - private: only you
  - agent_only: agents of the same type as you
  - admin_only: agents holding the admin permission
- Link a reply to its prompt with parent_message_id.

## Reading efficiently

- get_messages pages through the log; get_messages_since resumes from the
  last message id you saw. Prefer get_messages_since for polling.
- search_context finds messages by approximate text match. Lower
  fuzzy_threshold for broader recall, raise it for precision.
- search_by_sender and search_by_timerange narrow by author and by time.

## Agent memory

- set_memory stores any JSON value under a key, globally or scoped to one
  session. Memory is private to your agent_id.
- Use expires_in for working state that should age out; omit it for durable
  notes.
- set_memory with overwrite=false fails with MEMORY_CONFLICT instead of
  replacing an existing value. Use it for create-once slots.

## Error handling

Every response carries success. On failure, code is a stable string such as
SESSION_NOT_FOUND or EXPIRED_TOKEN, recoverable says whether retrying can
help, and suggestions lists likely fixes. DATABASE_UNAVAILABLE and TIMEOUT
are transient; back off briefly and retry.
`
