package mcpserver

// EntityFormatContract describes the entity file format that agents
// should follow when creating or editing entity files.
const EntityFormatContract = `# Waymark Entity Format Contract

Every entity is one Markdown file in the vault with YAML frontmatter.
The file name does not matter; the ` + "`id`" + ` field identifies the entity.

## Structure

` + "```" + `markdown
---
id: T-042                  # REQUIRED – prefix decides the type
type: task                 # REQUIRED – must agree with the id prefix
title: Add login form      # REQUIRED
status: Not Started        # REQUIRED – see statuses below
workstream: core           # OPTIONAL
priority: high             # OPTIONAL
effort: M                  # OPTIONAL
parent: S-012              # OPTIONAL – story for tasks, milestone for stories
depends_on:                # OPTIONAL – ids this entity waits for
  - T-041
---

Free-form Markdown body. It is indexed for search.
` + "```" + `

## Id prefixes

| Prefix | Type      | Statuses                                        |
|--------|-----------|-------------------------------------------------|
| M-     | milestone | Not Started, In Progress, Blocked, Completed    |
| S-     | story     | Not Started, In Progress, Blocked, Completed    |
| T-     | task      | Not Started, In Progress, Blocked, Completed    |
| DEC-   | decision  | Pending, Decided, Superseded                    |
| DOC-   | document  | Draft, Review, Approved, Superseded             |

## Relationship fields

- ` + "`parent`" + `: a story's parent is a milestone, a task's parent is a story.
- ` + "`depends_on`" + ` / ` + "`blocked_by`" + `: milestones depend on milestones or
  decisions; stories on stories, decisions or documents; tasks on tasks or
  decisions; decisions on decisions; documents on documents or decisions.
- ` + "`blocks`" + `: inverse of depends_on, recorded on the dependency.
- ` + "`enables`" + ` (decisions only): documents, stories or tasks.
- ` + "`implements`" + `: documents only.
- ` + "`implemented_by`" + ` (documents): stories or tasks.
- ` + "`supersedes`" + `, ` + "`previous_version`" + `: a single id of the same kind.

## Rules

1. Frontmatter fences must be the first thing in the file.
2. Ids are unique across the vault. A second file with the same id is reported
   as a duplicate and ignored.
3. Dependencies must not form a cycle. Use check_dependency before
   add_dependency.
4. Change status with transition_status rather than editing the field, so the
   state machine, parent progress and archiving are applied.
5. Pass the checksum from get_entity to transition_status to avoid overwriting
   concurrent edits.
6. Completed entities may be moved under the archive directory and keep their id.
`
